// main package for the voice-client command-line tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-orchestrator/internal/admin"
	"github.com/book-expert/voice-orchestrator/internal/config"
	"github.com/book-expert/voice-orchestrator/internal/core"
	"github.com/book-expert/voice-orchestrator/internal/metrics"
	"github.com/book-expert/voice-orchestrator/internal/queue"
	"github.com/book-expert/voice-orchestrator/internal/taskstore"
)

// Flag names.
const (
	flagCommand   = "command"
	flagDomain    = "domain"
	flagPayload   = "payload"
	flagTaskID    = "task-id"
	flagProvider  = "provider"
	flagTerminate = "terminate"
	flagTimeout   = "timeout"
)

// Flag descriptions.
const (
	flagCommandDesc   = "Command: submit, status, revoke, health, init, enable, disable, cleanup"
	flagDomainDesc    = "Task domain for submit (text, voice, image, mixall, maintenance)"
	flagPayloadDesc   = "JSON payload for submit, or @file to read it from a file"
	flagTaskIDDesc    = "Task identifier for status and revoke"
	flagProviderDesc  = "Provider identifier for init, enable, and disable"
	flagTerminateDesc = "Also terminate a started task when revoking"
	flagTimeoutDesc   = "Request timeout in seconds"
)

// Error messages.
const (
	errUnknownCommand    = "unknown command %q"
	errTaskIDRequired    = "--task-id is required for %s"
	errProviderRequired  = "--provider is required for %s"
	errDomainRequired    = "--domain is required for submit"
	errAdminRefused      = "admin request refused: %s"
	errFailedToConnect   = "failed to connect to %s: %w"
	errFailedToJetStream = "failed to get jetstream context: %w"
)

const (
	defaultTimeoutSeconds = 30
	clientLogFileName     = "voice-client.log"
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	command   string
	domain    string
	payload   string
	taskID    string
	provider  string
	terminate bool
	timeout   int
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags := parseFlags()

	cfg, clientLog, err := setup()
	if err != nil {
		return err
	}
	defer clientLog.Close()

	conn, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf(errFailedToConnect, cfg.NATS.URL, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(flags.timeout)*time.Second,
	)
	defer cancel()

	return dispatch(ctx, conn, cfg, clientLog, flags)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags() appFlags {
	var flags appFlags
	flag.StringVar(&flags.command, flagCommand, "", flagCommandDesc)
	flag.StringVar(&flags.domain, flagDomain, "", flagDomainDesc)
	flag.StringVar(&flags.payload, flagPayload, "{}", flagPayloadDesc)
	flag.StringVar(&flags.taskID, flagTaskID, "", flagTaskIDDesc)
	flag.StringVar(&flags.provider, flagProvider, "", flagProviderDesc)
	flag.BoolVar(&flags.terminate, flagTerminate, false, flagTerminateDesc)
	flag.IntVar(&flags.timeout, flagTimeout, defaultTimeoutSeconds, flagTimeoutDesc)
	flag.Parse()

	return flags
}

// setup loads the configuration and initializes the client logger.
func setup() (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), clientLogFileName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, bootstrapLog, nil
}

// dispatch routes to the handler for the requested command.
func dispatch(
	ctx context.Context,
	conn *nats.Conn,
	cfg *config.Config,
	clientLog *logger.Logger,
	flags appFlags,
) error {
	switch flags.command {
	case "submit":
		return handleSubmit(ctx, conn, cfg, clientLog, flags)
	case "status":
		return handleStatus(ctx, conn, cfg, clientLog, flags)
	case "revoke":
		return handleRevoke(ctx, conn, cfg, clientLog, flags)
	case "health":
		return handleAdmin(ctx, conn, admin.SubjectHealth, nil, flags)
	case "init":
		return handleInit(ctx, conn, flags)
	case "enable":
		return handleEnable(ctx, conn, flags, true)
	case "disable":
		return handleEnable(ctx, conn, flags, false)
	case "cleanup":
		return handleAdmin(ctx, conn, admin.SubjectCleanup, nil, flags)
	default:
		flag.Usage()

		return fmt.Errorf(errUnknownCommand, flags.command)
	}
}

// buildQueueClient binds the store and queue layers for task commands.
func buildQueueClient(
	conn *nats.Conn,
	cfg *config.Config,
	clientLog *logger.Logger,
) (*queue.Client, error) {
	jetstreamContext, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf(errFailedToJetStream, err)
	}

	store, err := taskstore.NewKVStore(jetstreamContext, cfg.Store.Bucket, cfg.StoreRetention())
	if err != nil {
		return nil, err
	}

	queueCfg := queue.Config{
		StreamName:         cfg.Queue.StreamName,
		SubjectPrefix:      cfg.Queue.SubjectPrefix,
		VisibilityTimeout:  cfg.VisibilityTimeout(),
		RetryDelay:         cfg.RetryDelay(),
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		WorkersPerQueue:    cfg.Queue.WorkersPerQueue,
		FetchBatch:         cfg.Queue.FetchBatch,
	}

	return queue.NewClient(conn, jetstreamContext, queueCfg, store, metrics.New(), clientLog), nil
}

// handleSubmit enqueues one task and prints its identifier.
func handleSubmit(
	ctx context.Context,
	conn *nats.Conn,
	cfg *config.Config,
	clientLog *logger.Logger,
	flags appFlags,
) error {
	if flags.domain == "" {
		return errors.New(errDomainRequired)
	}

	payload, err := resolvePayload(flags.payload)
	if err != nil {
		return err
	}

	client, err := buildQueueClient(conn, cfg, clientLog)
	if err != nil {
		return err
	}

	taskID, err := client.Submit(ctx, core.SubmitRequest{
		Domain:      core.Domain(flags.domain),
		Payload:     payload,
		MaxAttempts: 0,
		UserID:      "",
		TenantID:    "",
	})
	if err != nil {
		return err
	}

	fmt.Println(taskID)

	return nil
}

// handleStatus prints the full task record as JSON.
func handleStatus(
	ctx context.Context,
	conn *nats.Conn,
	cfg *config.Config,
	clientLog *logger.Logger,
	flags appFlags,
) error {
	if flags.taskID == "" {
		return fmt.Errorf(errTaskIDRequired, flags.command)
	}

	client, err := buildQueueClient(conn, cfg, clientLog)
	if err != nil {
		return err
	}

	task, err := client.GetState(ctx, flags.taskID)
	if err != nil {
		return err
	}

	return printJSON(task)
}

// handleRevoke revokes one task and prints whether the revoke took effect.
func handleRevoke(
	ctx context.Context,
	conn *nats.Conn,
	cfg *config.Config,
	clientLog *logger.Logger,
	flags appFlags,
) error {
	if flags.taskID == "" {
		return fmt.Errorf(errTaskIDRequired, flags.command)
	}

	client, err := buildQueueClient(conn, cfg, clientLog)
	if err != nil {
		return err
	}

	revoked, err := client.Revoke(ctx, flags.taskID, flags.terminate)
	if err != nil {
		return err
	}

	fmt.Printf("revoked: %v\n", revoked)

	return nil
}

// handleInit asks the daemon to (re)initialize one provider.
func handleInit(ctx context.Context, conn *nats.Conn, flags appFlags) error {
	if flags.provider == "" {
		return fmt.Errorf(errProviderRequired, flags.command)
	}

	req := admin.InitializeRequest{ProviderID: flags.provider}

	return handleAdmin(ctx, conn, admin.SubjectInitialize, req, flags)
}

// handleEnable flips one provider's administrative enable flag.
func handleEnable(ctx context.Context, conn *nats.Conn, flags appFlags, enabled bool) error {
	if flags.provider == "" {
		return fmt.Errorf(errProviderRequired, flags.command)
	}

	req := admin.EnableRequest{ProviderID: flags.provider, Enabled: enabled}

	return handleAdmin(ctx, conn, admin.SubjectEnable, req, flags)
}

// handleAdmin sends one request to an admin subject and prints the reply.
func handleAdmin(
	ctx context.Context,
	conn *nats.Conn,
	subject string,
	request any,
	_ appFlags,
) error {
	body := []byte("{}")

	if request != nil {
		encoded, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		body = encoded
	}

	msg, err := conn.RequestWithContext(ctx, subject, body)
	if err != nil {
		return fmt.Errorf("admin request to %s failed: %w", subject, err)
	}

	var reply admin.Reply

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}

	if !reply.OK {
		return fmt.Errorf(errAdminRefused, reply.Error)
	}

	return printJSON(reply)
}

// resolvePayload returns the literal payload, or the file contents when the
// value starts with @.
func resolvePayload(value string) ([]byte, error) {
	if len(value) > 0 && value[0] == '@' {
		data, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}

		return data, nil
	}

	return []byte(value), nil
}

// printJSON pretty-prints any value to stdout.
func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	fmt.Println(string(encoded))

	return nil
}
