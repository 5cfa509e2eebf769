// Package ctl implements the CLI client for the introspection API of a
// running lxproc daemon.
package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/kahiteam/lxproc/internal/kernel"
	"github.com/kahiteam/lxproc/internal/registry"
)

// Client communicates with an lxproc daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewClient creates a client for the API listening on addr.
func NewClient(addr, username, password string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(base, "/"),
		username:   username,
		password:   password,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(context.Background(), method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return resp, nil
}

// getJSON decodes the response of a request into out, turning API error
// bodies into errors.
func (c *Client) getJSON(method, path string, body io.Reader, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var errBody map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody["error"] == "" {
		return fmt.Errorf("server error (status %d)", resp.StatusCode)
	}
	return fmt.Errorf("%s", errBody["error"])
}

// --- Tables ---

// Processes retrieves the process table and writes it as a table or JSON.
func (c *Client) Processes(jsonOutput, color bool, w io.Writer) error {
	var procs []kernel.ProcessInfo
	if err := c.getJSON("GET", "/api/v1/processes", nil, &procs); err != nil {
		return err
	}
	if jsonOutput {
		return writeIndented(w, procs)
	}
	return formatProcessTable(procs, w, color && isTerminal(w))
}

func formatProcessTable(procs []kernel.ProcessInfo, w io.Writer, color bool) error {
	sort.Slice(procs, func(i, j int) bool {
		return procs[i].Pid < procs[j].Pid
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PID\tPPID\tPGID\tSID\tSTATE\tTHREADS\tEXE\n")
	for _, p := range procs {
		state := p.State
		if p.State == "ZOMBIE" {
			state = fmt.Sprintf("ZOMBIE(%s)", describeStatus(p.ExitCode))
		}
		if color {
			state = colorState(p.State, state)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%d\t%s\n",
			p.Pid, p.Ppid, p.Pgid, p.Sid, state, len(p.Threads), p.Exe)
	}
	return tw.Flush()
}

// describeStatus renders a wait status the way a shell reports it.
func describeStatus(status int32) string {
	if sig := status & 0x7f; sig != 0 {
		return "signal " + strconv.Itoa(int(sig))
	}
	return "exit " + strconv.Itoa(int(status>>8)&0xff)
}

func colorState(state, text string) string {
	switch state {
	case "ALIVE":
		return "\033[32m" + text + "\033[0m"
	case "ZOMBIE":
		return "\033[33m" + text + "\033[0m"
	default:
		return text
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Process writes the detail of one process as JSON.
func (c *Client) Process(pid int, w io.Writer) error {
	var info kernel.ProcessInfo
	if err := c.getJSON("GET", "/api/v1/processes/"+strconv.Itoa(pid), nil, &info); err != nil {
		return err
	}
	return writeIndented(w, info)
}

// Thread writes the detail of one thread as JSON.
func (c *Client) Thread(tid int, w io.Writer) error {
	var info kernel.ThreadInfo
	if err := c.getJSON("GET", "/api/v1/threads/"+strconv.Itoa(tid), nil, &info); err != nil {
		return err
	}
	return writeIndented(w, info)
}

// Group writes the members of a process group as JSON.
func (c *Client) Group(pgid int, w io.Writer) error {
	var info kernel.GroupInfo
	if err := c.getJSON("GET", "/api/v1/groups/"+strconv.Itoa(pgid), nil, &info); err != nil {
		return err
	}
	return writeIndented(w, info)
}

// Session writes the groups of a session as JSON.
func (c *Client) Session(sid int, w io.Writer) error {
	var info kernel.SessionInfo
	if err := c.getJSON("GET", "/api/v1/sessions/"+strconv.Itoa(sid), nil, &info); err != nil {
		return err
	}
	return writeIndented(w, info)
}

// Stats returns the registry table sizes.
func (c *Client) Stats() (registry.Stats, error) {
	var st registry.Stats
	err := c.getJSON("GET", "/api/v1/stats", nil, &st)
	return st, err
}

// Signal sends sig, a name or number, to the process pid.
func (c *Client) Signal(pid int, sig string) error {
	body, err := json.Marshal(map[string]string{"signal": sig})
	if err != nil {
		return err
	}
	var result map[string]any
	return c.getJSON("POST", "/api/v1/processes/"+strconv.Itoa(pid)+"/signal", strings.NewReader(string(body)), &result)
}

// --- Console and events ---

// Console copies the last n bytes of console output to w.
func (c *Client) Console(n int, w io.Writer) error {
	resp, err := c.do("GET", "/api/v1/console?bytes="+strconv.Itoa(n), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Events follows the lifecycle event stream and writes one line per event
// until ctx is done. types filters the stream when non-empty.
func (c *Client) Events(ctx context.Context, types []string, w io.Writer) error {
	path := "/api/v1/events/stream"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the default client timeout.
	client := &http.Client{Transport: c.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(w, "%s %s\n", event, line[len("data: "):])
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// --- Daemon operations ---

// Shutdown initiates daemon shutdown.
func (c *Client) Shutdown() error {
	var result map[string]any
	return c.getJSON("POST", "/api/v1/shutdown", nil, &result)
}

// Version returns daemon version info.
func (c *Client) Version() (map[string]string, error) {
	var result map[string]string
	err := c.getJSON("GET", "/api/v1/version", nil, &result)
	return result, err
}

// Health checks daemon liveness.
func (c *Client) Health() (string, error) {
	return c.probe("/healthz")
}

// Ready checks daemon readiness.
func (c *Client) Ready() (string, error) {
	return c.probe("/readyz")
}

func (c *Client) probe(path string) (string, error) {
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["status"], nil
}
