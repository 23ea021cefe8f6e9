package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestCheckRateLimit(t *testing.T) {
	t.Run("Environment Bypass", func(t *testing.T) {
		for _, env := range []string{"test", "development", "stress"} {
			t.Setenv("APP_ENV", env)
			allowed, err := CheckRateLimit(context.Background(), nil, "send_chat", "user:1", 1, time.Minute)
			assert.NoError(t, err)
			assert.True(t, allowed, "env %s", env)
		}
	})

	t.Run("Nil Redis Errors In Production", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		allowed, err := CheckRateLimit(context.Background(), nil, "send_chat", "user:1", 1, time.Minute)
		assert.Error(t, err)
		assert.False(t, allowed)
	})

	t.Run("Enforces Limit", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		rdb, _ := testRedis(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			allowed, err := CheckRateLimit(ctx, rdb, "send_chat", "user:1", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed, "request %d within limit", i+1)
		}

		allowed, err := CheckRateLimit(ctx, rdb, "send_chat", "user:1", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed, "fourth request exceeds a limit of 3")

		// A different identity is counted separately.
		allowed, err = CheckRateLimit(ctx, rdb, "send_chat", "user:2", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Window Expiry Resets Counter", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		rdb, mr := testRedis(t)
		ctx := context.Background()

		allowed, err := CheckRateLimit(ctx, rdb, "typing", "user:1", 1, 10*time.Second)
		require.NoError(t, err)
		require.True(t, allowed)

		allowed, err = CheckRateLimit(ctx, rdb, "typing", "user:1", 1, 10*time.Second)
		require.NoError(t, err)
		require.False(t, allowed)

		mr.FastForward(11 * time.Second)

		allowed, err = CheckRateLimit(ctx, rdb, "typing", "user:1", 1, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	get := func(app *fiber.App, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("Bypass In Test Mode", func(t *testing.T) {
		t.Setenv("APP_ENV", "test")
		app := fiber.New()
		app.Get("/test", RateLimit(nil, 1, time.Minute), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		assert.Equal(t, http.StatusOK, get(app, "/test"))
		assert.Equal(t, http.StatusOK, get(app, "/test"))
	})

	t.Run("Enforces Limit Per User", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		rdb, _ := testRedis(t)

		app := fiber.New()
		app.Get("/test", func(c *fiber.Ctx) error {
			c.Locals("userID", uint(1))
			return c.Next()
		}, RateLimit(rdb, 2, time.Minute, "send_chat"), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		assert.Equal(t, http.StatusOK, get(app, "/test"))
		assert.Equal(t, http.StatusOK, get(app, "/test"))
		assert.Equal(t, http.StatusTooManyRequests, get(app, "/test"))
	})

	t.Run("FailOpen With Nil Redis", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		app := fiber.New()
		app.Get("/test", RateLimit(nil, 1, time.Minute), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		assert.Equal(t, http.StatusOK, get(app, "/test"))
	})

	t.Run("FailClosed With Nil Redis", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		app := fiber.New()
		app.Get("/sensitive", RateLimitWithPolicy(nil, 1, time.Minute, FailClosed), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})

		assert.Equal(t, http.StatusServiceUnavailable, get(app, "/sensitive"))
	})
}
