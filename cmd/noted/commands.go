package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/noted/internal/config"
)

type noteView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Tags      []string  `json:"tags"`
	AIStatus  string    `json:"ai_status"`
	AIError   string    `json:"ai_error"`
	IsPinned  bool      `json:"is_pinned"`
	CreatedAt time.Time `json:"created_at"`
}

type resultView struct {
	ID        string    `json:"id"`
	Score     float32   `json:"score"`
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt"`
	Type      string    `json:"type"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	Match     string    `json:"match"`
}

type searchView struct {
	Results        []resultView `json:"results"`
	TemporalFilter *struct {
		Description string    `json:"description"`
		Start       time.Time `json:"start"`
		End         time.Time `json:"end"`
	} `json:"temporal_filter"`
	InterpretedQuery string `json:"interpreted_query"`
}

type queueView struct {
	IsProcessing       bool   `json:"is_processing"`
	QueueLength        int    `json:"queue_length"`
	PendingQueueLength int    `json:"pending_queue_length"`
	CurrentJobID       string `json:"current_job_id"`
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Capture a note",
	Long: `Capture a note. The note is saved immediately and enriched in the background.

Examples:
  noted add "Call the dentist on Monday"
  noted add --file ./meeting.md --type meeting
  noted add --url https://example.com/article
  noted add --scan ./whiteboard.jpg
  noted add --pdf ./receipt.pdf --title "March receipt"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildCaptureRequest(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notes", req)
		if err != nil {
			return err
		}

		var n noteView
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}
		printSuccess("Saved note %s (%s)", shortID(n.ID), n.AIStatus)
		return nil
	},
}

func init() {
	addCaptureFlags(addCmd)
}

func addCaptureFlags(cmd *cobra.Command) {
	cmd.Flags().String("file", "", "read note text from a file")
	cmd.Flags().String("url", "", "clip a web page")
	cmd.Flags().String("scan", "", "recognize text in an image")
	cmd.Flags().String("pdf", "", "extract text from a PDF")
	cmd.Flags().Bool("voice", false, "mark the text as a voice transcript")
	cmd.Flags().String("title", "", "note title")
	cmd.Flags().String("type", "", "note type (note, meeting, task, idea, journal, reference)")
	cmd.Flags().Bool("pinned", false, "pin the note")
}

func buildCaptureRequest(cmd *cobra.Command, args []string) (map[string]any, error) {
	file, _ := cmd.Flags().GetString("file")
	clip, _ := cmd.Flags().GetString("url")
	scan, _ := cmd.Flags().GetString("scan")
	pdf, _ := cmd.Flags().GetString("pdf")
	voice, _ := cmd.Flags().GetBool("voice")
	title, _ := cmd.Flags().GetString("title")
	noteType, _ := cmd.Flags().GetString("type")
	pinned, _ := cmd.Flags().GetBool("pinned")
	text := strings.Join(args, " ")

	sources := 0
	for _, s := range []string{text, file, clip, scan, pdf} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, fmt.Errorf("exactly one of text, --file, --url, --scan or --pdf is required")
	}

	req := map[string]any{}
	if title != "" {
		req["title"] = title
	}
	if noteType != "" {
		req["note_type"] = noteType
	}
	if pinned {
		req["pinned"] = true
	}

	switch {
	case clip != "":
		req["type"] = "url"
		req["url"] = clip
	case scan != "", pdf != "":
		path, kind := scan, "scan"
		if pdf != "" {
			path, kind = pdf, "pdf"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		req["type"] = kind
		req["data"] = base64.StdEncoding.EncodeToString(data)
	default:
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}
		req["type"] = "text"
		if voice {
			req["type"] = "voice"
		}
		req["content"] = text
	}
	return req, nil
}

// --- list / show / delete / retry ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, pinned first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/notes")
		if err != nil {
			return err
		}

		var notes []noteView
		if err := decodeJSON(resp, &notes); err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Println("No notes yet.")
			return nil
		}
		if limit > 0 && len(notes) > limit {
			notes = notes[:limit]
		}
		for _, n := range notes {
			pin := " "
			if n.IsPinned {
				pin = "*"
			}
			fmt.Printf("%s %s  %-9s %-10s %s\n",
				pin,
				colorize(colorCyan, shortID(n.ID)),
				n.Type,
				n.AIStatus,
				displayTitle(n.Title, n.Content),
			)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 50, "maximum number of notes to list")
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/notes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var n noteView
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}

		fmt.Println(colorize(colorBold, displayTitle(n.Title, n.Content)))
		printStatus("ID", "%s", n.ID)
		printStatus("Type", "%s", n.Type)
		printStatus("Source", "%s", n.Source)
		printStatus("Created", "%s", n.CreatedAt.Local().Format(time.DateTime))
		if len(n.Tags) > 0 {
			printStatus("Tags", "%s", strings.Join(n.Tags, ", "))
		}
		printStatus("Enrichment", "%s", n.AIStatus)
		if n.AIError != "" {
			printStatus("Error", "%s", n.AIError)
		}
		fmt.Printf("\n%s\n", n.Content)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/notes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted note %s", args[0])
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-run enrichment for a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notes/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result["queued"] {
			printWarning("Note %s already has a job in the queue", args[0])
			return nil
		}
		printSuccess("Queued note %s", args[0])
		return nil
	},
}

// --- search / related ---

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search notes by meaning, with time phrases like \"last week\"",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?q="+url.QueryEscape(query))
		if err != nil {
			return err
		}

		var out searchView
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.TemporalFilter != nil {
			printStep("%s", out.TemporalFilter.Description)
		}
		printResults(out.Results)
		return nil
	},
}

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "List notes similar to a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/notes/%s/related?k=%d", url.PathEscape(args[0]), k)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []resultView
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		printResults(results)
		return nil
	},
}

func init() {
	relatedCmd.Flags().Int("k", 5, "number of related notes")
}

func printResults(results []resultView) {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return
	}
	for _, r := range results {
		score := ""
		if r.Match == "semantic" {
			score = fmt.Sprintf(" [%.3f]", r.Score)
		}
		fmt.Printf("\n%s %s%s\n", colorize(colorCyan, shortID(r.ID)), colorize(colorBold, displayTitle(r.Title, r.Excerpt)), score)
		if len(r.Tags) > 0 {
			fmt.Printf("  Tags: %s\n", strings.Join(r.Tags, ", "))
		}
		fmt.Printf("  %s\n", r.Excerpt)
	}
}

// --- status / queue ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printStatus("Server", "stopped")
			return nil
		}

		var health struct {
			Models map[string]*struct {
				Name     string  `json:"name"`
				Ready    bool    `json:"ready"`
				Busy     bool    `json:"busy"`
				Progress float64 `json:"progress"`
			} `json:"models"`
			Queue queueView `json:"queue"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}

		printStatus("Server", "running at %s", client.baseURL)
		for _, role := range []string{"llm", "embeddings", "ocr"} {
			m := health.Models[role]
			if m == nil {
				continue
			}
			state := fmt.Sprintf("loading %.0f%%", m.Progress*100)
			switch {
			case m.Busy:
				state = "busy"
			case m.Ready:
				state = "ready"
			}
			printStatus(role, "%s (%s)", m.Name, state)
		}
		printQueue(health.Queue)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or control the enrichment queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		var q queueView
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		printQueue(q)
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel every queued and running enrichment job",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/cancel", nil)
		if err != nil {
			return err
		}
		var q queueView
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		printSuccess("Cancelled all jobs")
		return nil
	},
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream enrichment completions until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		// Streams have no overall deadline.
		client.httpClient = &http.Client{}

		resp, err := client.get(cmd.Context(), "/queue/events")
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return decodeJSON(resp, nil)
		}
		defer resp.Body.Close()

		return watchEvents(bufio.NewScanner(resp.Body))
	},
}

func init() {
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueWatchCmd)
}

// watchEvents prints completion events from a text/event-stream body.
func watchEvents(sc *bufio.Scanner) error {
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "completion":
			var c struct {
				NoteID string `json:"note_id"`
				Status string `json:"status"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c); err != nil {
				continue
			}
			if c.Status == "organized" {
				printSuccess("%s organized", shortID(c.NoteID))
			} else {
				printError("%s %s: %s", shortID(c.NoteID), c.Status, c.Error)
			}
		case line == "":
			event = ""
		}
	}
	return sc.Err()
}

func printQueue(q queueView) {
	running := "idle"
	if q.IsProcessing {
		running = "processing " + shortID(q.CurrentJobID)
	}
	printStatus("Queue", "%s, %d ready, %d waiting for models", running, q.QueueLength, q.PendingQueueLength)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
