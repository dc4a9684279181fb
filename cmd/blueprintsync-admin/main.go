package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/qrsouther/blueprintsync/internal/blueprint"
)

// adminClient wraps the HTTP API for operator commands. Every request
// carries the bearer token and a fresh correlation id.
type adminClient struct {
	baseURL string
	spaceID string
	token   string
	http    *http.Client
}

func main() {
	baseURL := flag.String("addr", envOrDefault("BLUEPRINTSYNC_BASE_URL", "http://127.0.0.1:8080"), "blueprintsync base URL")
	spaceID := flag.String("space", strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_SPACE")), "space ID")
	token := flag.String("token", strings.TrimSpace(os.Getenv("BLUEPRINTSYNC_TOKEN")), "bearer token")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or BLUEPRINTSYNC_TOKEN)")
	}
	if strings.TrimSpace(*spaceID) == "" {
		log.Fatalf("space is required (--space or BLUEPRINTSYNC_SPACE)")
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &adminClient{
		baseURL: strings.TrimRight(*baseURL, "/"),
		spaceID: strings.TrimSpace(*spaceID),
		token:   strings.TrimSpace(*token),
		http:    &http.Client{Timeout: *timeout},
	}

	ctx := context.Background()
	var err error
	switch args[0] {
	case "reconcile":
		err = cmdReconcile(ctx, client, args[1:])
	case "progress":
		err = cmdProgress(ctx, client, args[1:])
	case "watch":
		err = cmdWatch(ctx, client, args[1:])
	case "quarantine":
		err = cmdQuarantine(ctx, client, args[1:])
	case "backups":
		err = cmdBackups(ctx, client)
	case "create-backup":
		err = cmdCreateBackup(ctx, client, args[1:])
	case "restore-backup":
		err = cmdRestoreBackup(ctx, client, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: blueprintsync-admin [flags] <command>

commands:
  reconcile       trigger a reconciliation run
  progress <job>  print the current progress record for a job
  watch <job>     stream progress updates until the job finishes
  quarantine      list quarantined records (-kind embed|source)
  backups         list backups
  create-backup   create a manual backup
  restore-backup <backup>  restore a backup into the live store`)
}

func cmdReconcile(ctx context.Context, client *adminClient, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", true, "report changes without applying them")
	skipBackup := fs.Bool("skip-backup", false, "skip the pre-run backup")
	reason := fs.String("reason", "manual trigger", "reason recorded on the job")
	follow := fs.Bool("follow", false, "stream progress after queuing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var queued struct {
		JobID  string `json:"jobId"`
		DryRun bool   `json:"dryRun"`
	}
	payload := map[string]any{
		"dryRun":     *dryRun,
		"skipBackup": *skipBackup,
		"reason":     *reason,
	}
	if err := client.do(ctx, http.MethodPost, "/reconcile", payload, &queued); err != nil {
		return err
	}
	fmt.Printf("queued job %s (dryRun=%v)\n", queued.JobID, queued.DryRun)
	if *follow {
		return streamProgress(ctx, client, queued.JobID)
	}
	return nil
}

func cmdProgress(ctx context.Context, client *adminClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: progress <jobId>")
	}
	var progress blueprint.Progress
	if err := client.do(ctx, http.MethodGet, "/jobs/"+args[0], nil, &progress); err != nil {
		return err
	}
	return printJSON(progress)
}

func cmdWatch(ctx context.Context, client *adminClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: watch <jobId>")
	}
	return streamProgress(ctx, client, args[0])
}

// streamProgress dials the job's websocket and prints one line per frame
// until the server closes the stream on a terminal phase.
func streamProgress(ctx context.Context, client *adminClient, jobID string) error {
	wsURL := client.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/v1/spaces/" + client.spaceID + "/jobs/" + jobID + "/stream"

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+client.token)
	headers.Set("X-Correlation-Id", uuid.NewString())
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: client.http,
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var progress blueprint.Progress
		if err := wsjson.Read(ctx, conn, &progress); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		fmt.Printf("%-12s %3d%%  %s\n", progress.Phase, progress.Percent, progress.Message)
		if progress.Phase.Terminal() {
			if progress.Error != "" {
				return fmt.Errorf("job ended in error: %s", progress.Error)
			}
			return nil
		}
	}
}

func cmdQuarantine(ctx context.Context, client *adminClient, args []string) error {
	fs := flag.NewFlagSet("quarantine", flag.ExitOnError)
	kind := fs.String("kind", "embed", "record kind: embed or source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var listing json.RawMessage
	if err := client.do(ctx, http.MethodGet, "/quarantine?kind="+*kind, nil, &listing); err != nil {
		return err
	}
	return printJSON(listing)
}

func cmdBackups(ctx context.Context, client *adminClient) error {
	var listing struct {
		Items []blueprint.BackupMeta `json:"items"`
	}
	if err := client.do(ctx, http.MethodGet, "/backups", nil, &listing); err != nil {
		return err
	}
	for _, meta := range listing.Items {
		fmt.Printf("%s  %s  op=%s count=%d\n", meta.BackupID, meta.CreatedAt.Format(time.RFC3339), meta.Operation, meta.Count)
	}
	return nil
}

func cmdCreateBackup(ctx context.Context, client *adminClient, args []string) error {
	fs := flag.NewFlagSet("create-backup", flag.ExitOnError)
	operation := fs.String("operation", "manual", "operation label on the backup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var meta blueprint.BackupMeta
	if err := client.do(ctx, http.MethodPost, "/backups", map[string]any{"operation": *operation}, &meta); err != nil {
		return err
	}
	fmt.Printf("created backup %s (%d records)\n", meta.BackupID, meta.Count)
	return nil
}

func cmdRestoreBackup(ctx context.Context, client *adminClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: restore-backup <backupId>")
	}
	var result struct {
		BackupID string `json:"backupId"`
		Restored int    `json:"restored"`
	}
	if err := client.do(ctx, http.MethodPost, "/backups/"+args[0]+"/restore", nil, &result); err != nil {
		return err
	}
	fmt.Printf("restored %d records from %s\n", result.Restored, result.BackupID)
	return nil
}

func (c *adminClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	url := c.baseURL + "/v1/spaces/" + c.spaceID + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s (status %d)", apiErr.Code, apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
