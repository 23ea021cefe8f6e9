// Command main seeds the chat database with realistic test data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"

	"github.com/manjit4241/chatty/internal/config"
	"github.com/manjit4241/chatty/internal/database"
	"github.com/manjit4241/chatty/internal/ledger"
	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numChats := flag.Int("chats", 30, "Number of chats to create")
	msgsPerChat := flag.Int("messages", 25, "Messages per chat")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	log.Println("Database Seeder")
	log.Println("===============")
	log.Printf("Target: %d users, %d chats, %d messages/chat, clean=%v\n",
		*numUsers, *numChats, *msgsPerChat, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if *shouldClean {
		if err := clean(db); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}

	ctx := context.Background()
	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)
	msgRepo := repository.NewMessageRepository(db, ledger.New(db))

	users, err := seedUsers(ctx, userRepo, *numUsers)
	if err != nil {
		log.Fatalf("User seeding failed: %v", err)
	}
	log.Printf("Created %d users", len(users))

	chats, err := seedChats(ctx, chatRepo, users, *numChats)
	if err != nil {
		log.Fatalf("Chat seeding failed: %v", err)
	}
	log.Printf("Created %d chats", len(chats))

	total, err := seedMessages(ctx, msgRepo, chatRepo, chats, *msgsPerChat)
	if err != nil {
		log.Fatalf("Message seeding failed: %v", err)
	}
	log.Printf("Created %d messages", total)

	log.Println("All done! Your database is now populated with test data.")
}

func clean(db *gorm.DB) error {
	// Children before parents.
	for _, model := range []interface{}{
		&models.Message{}, &models.ChatMember{}, &models.Chat{}, &models.User{},
	} {
		if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Unscoped().Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func seedUsers(ctx context.Context, repo repository.UserRepository, n int) ([]*models.User, error) {
	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		user := &models.User{
			Username: fmt.Sprintf("%s%d", gofakeit.Username(), i),
			Email:    fmt.Sprintf("%d.%s", i, gofakeit.Email()),
			Avatar:   gofakeit.ImageURL(128, 128),
		}
		if err := repo.Create(ctx, user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func seedChats(ctx context.Context, repo repository.ChatRepository, users []*models.User, n int) ([]*models.Chat, error) {
	chats := make([]*models.Chat, 0, n)
	for i := 0; i < n; i++ {
		isGroup := rand.Intn(3) == 0
		memberCount := 2
		if isGroup {
			memberCount = 3 + rand.Intn(5)
		}

		perm := rand.Perm(len(users))
		memberIDs := make([]uint, 0, memberCount)
		for _, idx := range perm[:memberCount] {
			memberIDs = append(memberIDs, users[idx].ID)
		}

		chat := &models.Chat{
			IsGroup:   isGroup,
			CreatedBy: memberIDs[0],
		}
		if isGroup {
			chat.Name = gofakeit.HackerPhrase()
		}
		if err := repo.CreateChat(ctx, chat, memberIDs); err != nil {
			return nil, err
		}
		chat.Participants = nil
		chats = append(chats, chat)
	}
	return chats, nil
}

func seedMessages(ctx context.Context, repo repository.MessageRepository, chatRepo repository.ChatRepository, chats []*models.Chat, perChat int) (int, error) {
	total := 0
	for _, chat := range chats {
		memberIDs, err := chatRepo.MemberIDs(ctx, chat.ID)
		if err != nil {
			return total, err
		}

		for i := 0; i < perChat; i++ {
			msg := &models.Message{
				ChatID:   chat.ID,
				SenderID: memberIDs[rand.Intn(len(memberIDs))],
				Content:  gofakeit.Sentence(4 + rand.Intn(12)),
			}
			if _, err := repo.Create(ctx, msg); err != nil {
				return total, err
			}
			total++
		}
	}
	return total, nil
}
