package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"npc-dialogue-agent/handler"
	"npc-dialogue-agent/internal/admission"
	"npc-dialogue-agent/internal/integrations/bedrock"
	"npc-dialogue-agent/internal/integrations/paramstore"
	"npc-dialogue-agent/internal/repository"
	"npc-dialogue-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	historyTable := mustEnv("CHAT_HISTORY_TABLE")
	characterTable := mustEnv("NPC_DATA_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	contextTurns := envInt("MAX_CONTEXT_TURNS", 10)
	contextChars := envInt("MAX_CONTEXT_CHARS", 8000)
	maxUtteranceLen := envInt("MAX_UTTERANCE_LENGTH", 500)
	modelTimeout := time.Duration(envInt("MODEL_TIMEOUT_SECONDS", 30)) * time.Second
	rateCapacity := envFloat("RATE_CAPACITY", 20)
	refillPerSec := envFloat("RATE_REFILL_PER_SEC", 10)
	dailyQuota := envInt("DAILY_QUOTA", 1000)
	quotaPeriod := time.Duration(envInt("QUOTA_PERIOD_HOURS", 24)) * time.Hour

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	historyStore, err := repository.NewHistoryStore(dynamoClient, historyTable)
	if err != nil {
		slog.Error("failed to create history store", "err", err)
		os.Exit(1)
	}
	characterStore, err := repository.NewCharacterStore(dynamoClient, characterTable)
	if err != nil {
		slog.Error("failed to create character store", "err", err)
		os.Exit(1)
	}

	modelClient, err := bedrock.NewClient(awsbedrock.NewFromConfig(cfg), ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create bedrock client", "err", err)
		os.Exit(1)
	}

	admitter, err := admission.NewController(admission.Config{
		Capacity:    rateCapacity,
		RefillRate:  refillPerSec,
		Quota:       dailyQuota,
		QuotaPeriod: quotaPeriod,
	})
	if err != nil {
		slog.Error("failed to create admission controller", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	dialogueService, err := usecase.NewDialogueService(admitter, characterStore, historyStore, modelClient, ssmClient, paramPrefix, usecase.Options{
		ContextTurns:    contextTurns,
		ContextChars:    contextChars,
		MaxUtteranceLen: maxUtteranceLen,
		ModelTimeout:    modelTimeout,
	})
	if err != nil {
		slog.Error("failed to create dialogue service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(dialogueService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
