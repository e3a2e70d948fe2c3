package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"herobot/internal/storage"
)

// Result is the payload returned to the model after a tool call. Success
// reflects the HTTP status; any response at all counts as a completed
// execution.
type Result struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Body    string `json:"body"`
}

type ExecutorConfig struct {
	Store      *storage.Store
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Executor struct {
	store      *storage.Store
	httpClient *http.Client
	log        zerolog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		store:      cfg.Store,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger.With().Str("component", "tool_executor").Logger(),
	}
}

// Execute records the execution, validates the model's arguments and
// dispatches the HTTP call. The returned string is the JSON result for the
// tool turn. Validation and transport failures finalize the execution as
// failed and return an error; non-2xx responses do not.
func (e *Executor) Execute(ctx context.Context, tool storage.Tool, botID int64, argsJSON string) (string, error) {
	if !tool.Active {
		return "", fmt.Errorf("tool %q is not active", tool.Name)
	}

	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	// The execution row is created before anything can fail so every
	// invocation leaves a record with a terminal status.
	inputJSON, _ := json.Marshal(args)
	execID, err := e.store.CreateToolExecution(ctx, tool.ID, botID, string(inputJSON))
	if err != nil {
		return "", fmt.Errorf("record execution: %w", err)
	}
	start := time.Now()

	if err := validateArgs(tool, args); err != nil {
		e.failExecution(ctx, execID, err, time.Since(start).Milliseconds())
		return "", err
	}

	result, err := e.dispatch(ctx, tool, args)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		e.failExecution(ctx, execID, err, durationMS)
		return "", err
	}

	out, merr := json.Marshal(result)
	if merr != nil {
		return "", fmt.Errorf("marshal tool result: %w", merr)
	}
	if ferr := e.store.FinishToolExecution(ctx, execID, storage.ExecutionStatusCompleted, string(out), durationMS); ferr != nil {
		e.log.Error().Err(ferr).Int64("execution_id", execID).Msg("finish execution")
	}

	e.log.Info().
		Int64("tool_id", tool.ID).
		Int("status", result.Status).
		Int64("duration_ms", durationMS).
		Msg("tool executed")
	return string(out), nil
}

func validateArgs(tool storage.Tool, args map[string]any) error {
	defs, err := parseParams(tool.ParamsJSON)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if !d.Required {
			continue
		}
		if _, ok := args[d.Name]; !ok {
			return fmt.Errorf("missing required parameter %q", d.Name)
		}
	}
	return nil
}

func (e *Executor) failExecution(ctx context.Context, execID int64, cause error, durationMS int64) {
	if err := e.store.FinishToolExecution(ctx, execID, storage.ExecutionStatusFailed,
		fmt.Sprintf(`{"error":%q}`, cause.Error()), durationMS); err != nil {
		e.log.Error().Err(err).Int64("execution_id", execID).Msg("finish execution")
	}
}

func (e *Executor) dispatch(ctx context.Context, tool storage.Tool, args map[string]any) (Result, error) {
	method := strings.ToUpper(tool.Method)
	if method == "" {
		method = http.MethodPost
	}

	target := renderTemplate(tool.URL, args)
	query, err := renderQuery(tool.QueryJSON, args)
	if err != nil {
		return Result{}, err
	}
	switch {
	case query != "":
		target = appendRawQuery(target, query)
	case method == http.MethodGet || method == http.MethodDelete:
		// Without a query config, bodyless methods fall back to passing
		// all arguments as query parameters.
		target = appendRawQuery(target, encodeArgs(args))
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete {
		body = strings.NewReader(renderBody(tool.BodyTemplate, args))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Result{}, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tool.HeadersJSON != "" {
		headers := map[string]string{}
		if err := json.Unmarshal([]byte(tool.HeadersJSON), &headers); err != nil {
			return Result{}, fmt.Errorf("parse tool headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, renderTemplate(v, args))
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read tool response: %w", err)
	}

	return Result{
		Success: resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Status:  resp.StatusCode,
		Body:    string(b),
	}, nil
}

// renderBody fills the tool's body template, or JSON-encodes the arguments
// when no template is configured.
func renderBody(tpl string, args map[string]any) string {
	if strings.TrimSpace(tpl) == "" {
		b, err := json.Marshal(args)
		if err != nil {
			return "{}"
		}
		return string(b)
	}
	return renderTemplate(tpl, args)
}

// renderTemplate replaces {{key}} placeholders with stringified argument
// values. Unknown placeholders are left untouched.
func renderTemplate(tpl string, args map[string]any) string {
	out := tpl
	for key, val := range args {
		out = strings.ReplaceAll(out, "{{"+key+"}}", stringify(val))
	}
	return out
}

// renderQuery fills the tool's query config, a JSON object mapping parameter
// names to value templates. An empty config yields an empty string.
func renderQuery(queryJSON string, args map[string]any) (string, error) {
	if strings.TrimSpace(queryJSON) == "" || queryJSON == "{}" {
		return "", nil
	}
	params := map[string]string{}
	if err := json.Unmarshal([]byte(queryJSON), &params); err != nil {
		return "", fmt.Errorf("parse tool query: %w", err)
	}
	q := url.Values{}
	for key, tpl := range params {
		q.Set(key, renderTemplate(tpl, args))
	}
	return q.Encode(), nil
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	q := url.Values{}
	for key, val := range args {
		q.Set(key, stringify(val))
	}
	return q.Encode()
}

func appendRawQuery(target, rawQuery string) string {
	if rawQuery == "" {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + rawQuery
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
