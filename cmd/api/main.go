package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"aidflow/assignment"
	"aidflow/audit"
	"aidflow/auth"
	"aidflow/db"
	"aidflow/notify"
	"aidflow/organization"
	"aidflow/outbox"
	"aidflow/request"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	auditLog := audit.NewLog(pool)
	outboxWriter := outbox.NewWriter()

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)

	orgRepo := organization.NewRepository(pool)
	orgService := organization.NewService(orgRepo)

	requestRepo := request.NewRepository(pool)
	requestService := request.NewService(pool, requestRepo, auditLog, outboxWriter)

	assignmentService := assignment.NewService(
		pool,
		assignment.NewRepository(pool),
		requestRepo,
		orgService,
		orgRepo,
		auditLog,
		outboxWriter,
	)

	dispatcher := outbox.NewDispatcher(pool, notify.NewLogSender(nil))
	go func() {
		if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("outbox dispatcher stopped: %v", err)
		}
	}()

	log.Printf("services ready: auth=%t requests=%t assignments=%t",
		authService != nil, requestService != nil, assignmentService != nil)

	select {}
}
