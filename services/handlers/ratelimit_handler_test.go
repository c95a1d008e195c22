package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
)

type stubConfigService struct {
	configs map[string]*model.RateLimitConfig
}

func (s *stubConfigService) GetAll() []model.RateLimitConfig {
	out := make([]model.RateLimitConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *cfg)
	}
	return out
}

func (s *stubConfigService) Get(module string) *model.RateLimitConfig {
	return s.configs[module]
}

func (s *stubConfigService) Update(module string, req dto.UpdateConfigRequest) error {
	return nil
}

func TestGetConfigReturnsPolicy(t *testing.T) {
	stub := &stubConfigService{configs: map[string]*model.RateLimitConfig{
		"chat": {ID: "c1", Module: "chat", MaxRequests: 10, WindowMs: 60000, IsActive: true},
	}}
	h := NewRateLimitHandler(nil, nil, nil, stub)

	app := fiber.New()
	app.Get("/configs/:module", h.GetConfig)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/configs/chat", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetConfigUnknownModule(t *testing.T) {
	stub := &stubConfigService{configs: map[string]*model.RateLimitConfig{}}
	h := NewRateLimitHandler(nil, nil, nil, stub)

	app := fiber.New()
	app.Get("/configs/:module", h.GetConfig)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/configs/nope", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
