package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/csvparser"
	"Mailer/internal/db"
	"Mailer/internal/models"
	"Mailer/internal/queue"
)

var (
	csvTemplate string
	csvTrigger  string
	csvIDPrefix string
	csvMaxRows  int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>",
	Short: "Enqueue message requests from a YAML or JSON file",
	Long: `Enqueue one command per document in the file. Each document has the
fields id, type (the template name), trigger, ctx and recipients.
Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var enqueueCSVCmd = &cobra.Command{
	Use:   "enqueue-csv <file>",
	Short: "Enqueue one command per CSV row",
	Long: `The CSV needs a header row with an Email column. Every other column is
passed to the template as a context value.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueueCSV,
}

var statusCmd = &cobra.Command{
	Use:   "status <command_id>",
	Short: "Show a command's state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the command table",
	RunE:  runMigrate,
}

func init() {
	enqueueCSVCmd.Flags().StringVarP(&csvTemplate, "template", "t", "", "template name (required)")
	enqueueCSVCmd.Flags().StringVar(&csvTrigger, "trigger", models.DefaultTrigger, "trigger recorded on each command")
	enqueueCSVCmd.Flags().StringVar(&csvIDPrefix, "id-prefix", "", "derive command ids from this prefix and the CSV line")
	enqueueCSVCmd.Flags().IntVar(&csvMaxRows, "max-rows", csvparser.DefaultMaxRows, "maximum number of rows to import; larger files are rejected")
	_ = enqueueCSVCmd.MarkFlagRequired("template")

	rootCmd.AddCommand(enqueueCmd, enqueueCSVCmd, statusCmd, migrateCmd)
}

func openQueue(ctx context.Context) (*queue.Queue, func(), error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}

	store, err := db.Open(ctx, cfg.Database, logger.Named("store"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open command store: %w", err)
	}

	q := queue.New(store, queue.Options{
		LeaseTTL:    cfg.Worker.LeaseTTL,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, logger.Named("queue"))

	return q, func() {
		store.Close()
		logger.Sync()
	}, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(filepath.Clean(path))
}

// decodeRequests reads every YAML document in r. JSON input is valid YAML.
func decodeRequests(r io.Reader) ([]models.MessageRequest, error) {
	var reqs []models.MessageRequest

	dec := yaml.NewDecoder(r)
	for {
		var req models.MessageRequest
		err := dec.Decode(&req)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", len(reqs)+1, err)
		}
		reqs = append(reqs, req)
	}

	if len(reqs) == 0 {
		return nil, errors.New("no message requests found")
	}
	return reqs, nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	in, err := openInput(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	reqs, err := decodeRequests(in)
	if err != nil {
		return err
	}

	return enqueueAll(cmd.Context(), reqs)
}

func runEnqueueCSV(cmd *cobra.Command, args []string) error {
	in, err := openInput(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	reqs, err := csvparser.ParseRequests(in, csvparser.ImportOptions{
		Template: csvTemplate,
		Trigger:  csvTrigger,
		IDPrefix: csvIDPrefix,
		MaxRows:  csvMaxRows,
	})
	if err != nil {
		return fmt.Errorf("failed to parse csv: %w", err)
	}

	return enqueueAll(cmd.Context(), reqs)
}

// enqueueAll keeps going past rejected requests and fails if any was rejected.
func enqueueAll(ctx context.Context, reqs []models.MessageRequest) error {
	q, closeQueue, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer closeQueue()

	var rejected int
	for i, req := range reqs {
		id, err := q.Enqueue(ctx, req)
		if err != nil {
			if apperrors.IsStoreError(err) {
				return err
			}
			rejected++
			fmt.Fprintf(os.Stderr, "request %d rejected: %v\n", i+1, err)
			continue
		}
		fmt.Println(id)
	}

	if rejected > 0 {
		return fmt.Errorf("%d of %d requests rejected", rejected, len(reqs))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	q, closeQueue, err := openQueue(cmd.Context())
	if err != nil {
		return err
	}
	defer closeQueue()

	c, err := q.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !strings.EqualFold(cfg.Database.Driver, config.DriverPostgres) {
		logger.Info("nothing to migrate", zap.String("driver", cfg.Database.Driver))
		return nil
	}

	store, err := db.New(cmd.Context(), cfg.Database, logger.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}

	logger.Info("command table is up to date")
	return nil
}
