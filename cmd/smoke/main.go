package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	flag "github.com/spf13/pflag"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"arbiter.gg/internal/client"
	"arbiter.gg/internal/config"
)

func main() {
	base := flag.String("url", config.EnvDefault("ARBITER_SMOKE_URL", "http://localhost:8080"), "HTTP base URL")
	grpcAddr := flag.String("grpc", config.EnvDefault("ARBITER_SMOKE_GRPC_ADDR", "localhost:9090"), "gRPC health address")
	username := flag.String("username", config.EnvDefault("ARBITER_SMOKE_USER", "admin"), "Login name")
	password := flag.String("password", config.EnvDefault("ARBITER_SMOKE_PASSWORD", ""), "Login password")
	userType := flag.String("user-type", "admin", "User type to log in as")
	flag.Parse()

	if *password == "" {
		log.Fatal("--password or ARBITER_SMOKE_PASSWORD is required")
	}

	c := client.New(*base, nil)
	if err := c.DialHealth(*grpcAddr); err != nil {
		log.Fatalf("dial %s: %v", *grpcAddr, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := c.Health(ctx, "")
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("server not serving: %s", status)
	}

	device := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	first, err := c.Login(ctx, *username, *password, device, *userType)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	if v, err := c.Validate(ctx, first.AccessToken); err != nil || !v.Valid {
		log.Fatalf("validate fresh access token: %+v %v", v, err)
	}

	second, err := c.Refresh(ctx, first.RefreshToken, device)
	if err != nil {
		log.Fatalf("refresh: %v", err)
	}

	// Replaying the rotated token must kill the whole family.
	if _, err := c.Refresh(ctx, first.RefreshToken, device); !errors.Is(err, client.ErrUnauthorized) {
		log.Fatalf("replay was not rejected: %v", err)
	}
	if _, err := c.Refresh(ctx, second.RefreshToken, device); !errors.Is(err, client.ErrUnauthorized) {
		log.Fatalf("family survived replay: %v", err)
	}

	third, err := c.Login(ctx, *username, *password, device, *userType)
	if err != nil {
		log.Fatalf("second login: %v", err)
	}
	if err := c.Logout(ctx, third.AccessToken); err != nil {
		log.Fatalf("logout: %v", err)
	}
	if _, err := c.Validate(ctx, third.AccessToken); !errors.Is(err, client.ErrUnauthorized) {
		log.Fatalf("access token valid after logout: %v", err)
	}

	fmt.Printf("arbiter smoke test passed: user=%s device=%s\n", *username, device)
}
