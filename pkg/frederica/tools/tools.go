// Package tools provides the built-in tool definitions and executors that
// the LLM may call during a turn: file management, keyword search and text
// replacement inside a configured workspace, plus web search and URL
// fetching.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxToolOutput caps what a single tool returns to the model.
const maxToolOutput = 16 * 1024

// fetchTimeout bounds a single fetch_url call.
const fetchTimeout = 15 * time.Second

// maxSearchableFile is the largest file search_files and replace_in_file
// will read.
const maxSearchableFile = 1 << 20

// maxSearchMatches caps how many matching lines search_files reports.
const maxSearchMatches = 50

// defaultSearchResults is how many web search results to return when the
// model does not ask for a specific count.
const defaultSearchResults = 5

// searchAPIBaseURL is the DuckDuckGo instant-answer endpoint.
const searchAPIBaseURL = "https://api.duckduckgo.com"

// Definition describes a tool in the OpenAI function-calling schema.
type Definition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function half of a tool definition.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Executor runs one tool call with decoded arguments.
type Executor func(ctx context.Context, args map[string]any) (string, error)

// Registry holds the available tools and runs them against a workspace
// directory. All file paths are resolved relative to the workspace and may
// not escape it.
type Registry struct {
	workDir       string
	defs          []Definition
	executors     map[string]Executor
	httpClient    *http.Client
	searchBaseURL string
	logger        *slog.Logger
}

// NewRegistry creates a tool registry rooted at workDir.
func NewRegistry(workDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		workDir:       workDir,
		executors:     make(map[string]Executor),
		httpClient:    &http.Client{Timeout: fetchTimeout},
		searchBaseURL: searchAPIBaseURL,
		logger:        logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

// Definitions returns the tool schemas to advertise to the model.
func (r *Registry) Definitions() []Definition {
	return r.defs
}

// Execute runs the named tool with raw JSON arguments and returns its output
// as text for the model. Unknown tools and executor failures are returned as
// error strings rather than errors: the model should see them and recover,
// not abort the turn.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) string {
	exec, ok := r.executors[name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", name)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Sprintf("error: invalid tool arguments: %v", err)
		}
	}

	start := time.Now()
	out, err := exec(ctx, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	r.logger.Debug("tool executed",
		"tool", name,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"output_len", len(out),
	)

	if len(out) > maxToolOutput {
		out = out[:maxToolOutput] + "\n... (output truncated)"
	}
	return out
}

func (r *Registry) register(def Definition, exec Executor) {
	r.defs = append(r.defs, def)
	r.executors[def.Function.Name] = exec
}

func (r *Registry) registerBuiltins() {
	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "list_files",
			Description: "List files and directories under a path in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path relative to the workspace root. Defaults to the root.",
					},
				},
			},
		},
	}, r.listFiles)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "read_file",
			Description: "Read the contents of a text file in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root.",
					},
				},
				"required": []string{"path"},
			},
		},
	}, r.readFile)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating parent directories as needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full content to write.",
					},
				},
				"required": []string{"path", "content"},
			},
		},
	}, r.writeFile)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "create_file_or_folder",
			Description: "Create an empty file or a directory in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path relative to the workspace root.",
					},
					"type": map[string]any{
						"type":        "string",
						"description": "\"file\" (default) or \"directory\".",
						"enum":        []string{"file", "directory"},
					},
				},
				"required": []string{"path"},
			},
		},
	}, r.createFileOrFolder)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "delete_file_or_folder",
			Description: "Delete a file or directory in the workspace. Non-empty directories require force.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path relative to the workspace root.",
					},
					"force": map[string]any{
						"type":        "boolean",
						"description": "Also delete non-empty directories. Defaults to false.",
					},
				},
				"required": []string{"path"},
			},
		},
	}, r.deleteFileOrFolder)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "search_files",
			Description: "Search workspace files for a keyword and return the matching lines.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"keyword": map[string]any{
						"type":        "string",
						"description": "Text to look for (case-insensitive).",
					},
					"path": map[string]any{
						"type":        "string",
						"description": "Directory to search, relative to the workspace root. Defaults to the root.",
					},
					"recursive": map[string]any{
						"type":        "boolean",
						"description": "Also search subdirectories. Defaults to false.",
					},
				},
				"required": []string{"keyword"},
			},
		},
	}, r.searchFiles)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "replace_in_file",
			Description: "Search and replace exact text in a workspace file.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root.",
					},
					"search_text": map[string]any{
						"type":        "string",
						"description": "Exact text to find (case-sensitive).",
					},
					"replace_text": map[string]any{
						"type":        "string",
						"description": "Replacement text.",
					},
					"replace_all": map[string]any{
						"type":        "boolean",
						"description": "Replace every occurrence instead of only the first. Defaults to false.",
					},
				},
				"required": []string{"path", "search_text", "replace_text"},
			},
		},
	}, r.replaceInFile)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "duckduckgo_search",
			Description: "Search the web via DuckDuckGo and return titles, URLs and snippets.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query.",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"description": "How many results to return, 1 to 10. Defaults to 5.",
						"minimum":     1,
						"maximum":     10,
					},
				},
				"required": []string{"query"},
			},
		},
	}, r.duckduckgoSearch)

	r.register(Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "fetch_url",
			Description: "Fetch a URL over HTTP(S) and return the response body as text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute http:// or https:// URL.",
					},
				},
				"required": []string{"url"},
			},
		},
	}, r.fetchURL)
}

// resolve maps a model-supplied path into the workspace, rejecting escapes.
func (r *Registry) resolve(raw string) (string, error) {
	if r.workDir == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	cleaned := filepath.Clean("/" + raw)
	full := filepath.Join(r.workDir, cleaned)
	rel, err := filepath.Rel(r.workDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return full, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// intArg reads a numeric argument. JSON decoding yields float64, but models
// occasionally send numbers as strings too.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (r *Registry) listFiles(_ context.Context, args map[string]any) (string, error) {
	dir, err := r.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

func (r *Registry) readFile(_ context.Context, args map[string]any) (string, error) {
	path, err := r.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

func (r *Registry) writeFile(_ context.Context, args map[string]any) (string, error) {
	path, err := r.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(args, "path")), nil
}

func (r *Registry) createFileOrFolder(_ context.Context, args map[string]any) (string, error) {
	raw := stringArg(args, "path")
	path, err := r.resolve(raw)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", raw)
	}

	kind := stringArg(args, "type")
	if kind == "" {
		kind = "file"
	}
	switch kind {
	case "directory", "folder":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
		return fmt.Sprintf("created directory %s", raw), nil
	case "file":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create parent directory: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return "", fmt.Errorf("create file: %w", err)
		}
		return fmt.Sprintf("created file %s", raw), nil
	default:
		return "", fmt.Errorf("unknown type %q, want file or directory", kind)
	}
}

func (r *Registry) deleteFileOrFolder(_ context.Context, args map[string]any) (string, error) {
	raw := stringArg(args, "path")
	path, err := r.resolve(raw)
	if err != nil {
		return "", err
	}
	if raw == "" || raw == "." || raw == "/" {
		return "", fmt.Errorf("refusing to delete the workspace root")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat: %w", err)
	}

	if info.IsDir() && !boolArg(args, "force") {
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", fmt.Errorf("read directory: %w", err)
		}
		if len(entries) > 0 {
			return "", fmt.Errorf("%s is a non-empty directory, pass force to delete it", raw)
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	return fmt.Sprintf("deleted %s", raw), nil
}

func (r *Registry) searchFiles(_ context.Context, args map[string]any) (string, error) {
	keyword := stringArg(args, "keyword")
	if keyword == "" {
		return "", fmt.Errorf("keyword is required")
	}
	root, err := r.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	recursive := boolArg(args, "recursive")

	needle := strings.ToLower(keyword)
	var matches []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchMatches {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchableFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(r.workDir, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxSearchMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}

	if len(matches) == 0 {
		return fmt.Sprintf("no matches for %q", keyword), nil
	}
	return strings.Join(matches, "\n"), nil
}

func (r *Registry) replaceInFile(_ context.Context, args map[string]any) (string, error) {
	raw := stringArg(args, "path")
	path, err := r.resolve(raw)
	if err != nil {
		return "", err
	}
	search := stringArg(args, "search_text")
	if search == "" {
		return "", fmt.Errorf("search_text is required")
	}
	replace := stringArg(args, "replace_text")

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat: %w", err)
	}
	if info.Size() > maxSearchableFile {
		return "", fmt.Errorf("%s is too large to edit", raw)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	total := strings.Count(content, search)
	if total == 0 {
		return fmt.Sprintf("no occurrences of the search text in %s", raw), nil
	}

	replaced := total
	if boolArg(args, "replace_all") {
		content = strings.ReplaceAll(content, search, replace)
	} else {
		content = strings.Replace(content, search, replace, 1)
		replaced = 1
	}

	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("replaced %d of %d occurrence(s) in %s", replaced, total, raw), nil
}

// instantAnswer is the subset of the DuckDuckGo instant-answer response the
// search tool reads.
type instantAnswer struct {
	Heading       string        `json:"Heading"`
	AbstractText  string        `json:"AbstractText"`
	AbstractURL   string        `json:"AbstractURL"`
	RelatedTopics []searchTopic `json:"RelatedTopics"`
}

type searchTopic struct {
	Text     string        `json:"Text"`
	FirstURL string        `json:"FirstURL"`
	Topics   []searchTopic `json:"Topics"`
}

func (r *Registry) duckduckgoSearch(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := intArg(args, "max_results", defaultSearchResults)
	if limit < 1 {
		limit = 1
	}
	if limit > 10 {
		limit = 10
	}

	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", r.searchBaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var answer instantAnswer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxToolOutput)).Decode(&answer); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var results []string
	if answer.AbstractText != "" {
		results = append(results, formatSearchResult(len(results)+1, answer.Heading, answer.AbstractURL, answer.AbstractText))
	}
	for _, t := range flattenTopics(answer.RelatedTopics) {
		if len(results) >= limit {
			break
		}
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		results = append(results, formatSearchResult(len(results)+1, "", t.FirstURL, t.Text))
	}

	if len(results) == 0 {
		return fmt.Sprintf("no results for %q", query), nil
	}
	return strings.Join(results, "\n\n"), nil
}

func formatSearchResult(n int, title, link, snippet string) string {
	if title == "" {
		title = snippet
		if i := strings.IndexAny(title, ".\n"); i > 0 {
			title = title[:i]
		}
	}
	return fmt.Sprintf("%d. %s\n   %s\n   %s", n, title, link, snippet)
}

// flattenTopics unwraps the nested category groups DuckDuckGo returns into a
// flat result list.
func flattenTopics(topics []searchTopic) []searchTopic {
	var flat []searchTopic
	for _, t := range topics {
		if len(t.Topics) > 0 {
			flat = append(flat, flattenTopics(t.Topics)...)
			continue
		}
		flat = append(flat, t)
	}
	return flat
}

func (r *Registry) fetchURL(ctx context.Context, args map[string]any) (string, error) {
	rawURL := stringArg(args, "url")
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("url must be absolute http(s), got %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolOutput))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	return string(body), nil
}
