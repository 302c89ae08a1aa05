package controllers

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func clientIPFor(t *testing.T, headers map[string]string) string {
	t.Helper()

	var got string
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		got = GetClientIP(c)
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	return got
}

func TestGetClientIPPrefersCloudflareHeader(t *testing.T) {
	ip := clientIPFor(t, map[string]string{
		"CF-Connecting-IP": "203.0.113.7",
		"X-Forwarded-For":  "198.51.100.1, 10.0.0.1",
	})
	assert.Equal(t, "203.0.113.7", ip)
}

func TestGetClientIPUsesFirstForwardedEntry(t *testing.T) {
	ip := clientIPFor(t, map[string]string{
		"X-Forwarded-For": "198.51.100.1, 10.0.0.1",
	})
	assert.Equal(t, "198.51.100.1", ip)
}

func TestGetClientIPFallsBackToRemote(t *testing.T) {
	ip := clientIPFor(t, nil)
	assert.NotEmpty(t, ip)
}
