package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"yardops.org/internal/auth"
	"yardops.org/internal/permissions"
	"yardops.org/internal/permissions/remote"
)

// smoke-permissions checks a running server end to end over gRPC. It signs
// its own token, so YARDOPS_AUTH_SECRET must match the server's.
func main() {
	addr := os.Getenv("YARDOPS_GRPC_TARGET")
	if addr == "" {
		addr = "localhost:9090"
	}
	user := os.Getenv("YARDOPS_SMOKE_USER")
	if user == "" {
		user = "smoke-user"
	}

	client, err := remote.Dial(addr)
	if err != nil {
		log.Fatalf("dial permissions at %s: %v", addr, err)
	}
	defer client.Close()

	token, _, err := auth.GenerateToken(auth.Identity{UserID: user, Role: "smoke"}, time.Minute)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	ctx, cancel := remote.WithTimeout(auth.ContextWithToken(context.Background(), token), 5*time.Second)
	defer cancel()

	d, err := client.Check(ctx, remote.CheckRequest{Module: "smoke", Action: "probe"})
	if err != nil {
		log.Fatalf("check: %v", err)
	}
	if d.Allowed {
		log.Fatalf("unexpected allow for ungranted smoke.probe: %+v", d)
	}
	if d.Reason != permissions.ReasonNoCapability {
		log.Fatalf("unexpected denial reason %q", d.Reason)
	}

	res, err := client.Mask(ctx, "smoke", map[string]any{"note": "hello"})
	if err != nil {
		log.Fatalf("mask: %v", err)
	}
	if res.Record["note"] == nil {
		log.Fatalf("mask dropped an unmasked field: %v", res.Record)
	}

	fmt.Printf("permissions smoke test passed: reason=%s masked=%d\n", d.Reason, len(res.MaskedFields))
}
