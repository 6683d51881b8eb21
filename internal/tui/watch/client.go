package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/module"
)

const pollInterval = 5 * time.Second

// --- Message types ---

type eventMsg events.Event

type statusMsg struct {
	Health HealthState
	Totals map[module.Type]int
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents streams /events into ch, resuming after lastID.
func subscribeToEvents(apiURL string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("GET /events: %s", resp.Status))
		}

		_ = readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses an event stream until r is exhausted. Comment lines
// (keep-alives) are ignored.
func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var (
		id   int64
		typ  string
		data string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				ch <- events.Event{ID: id, Type: typ, At: time.Now(), Data: json.RawMessage(data)}
			}
			id, typ, data = 0, "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
	return scanner.Err()
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func pollStatus(apiURL string) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchStatus(apiURL) })
}

// fetchStatus reads /healthz and the per-type totals from /modules.
func fetchStatus(apiURL string) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg statusMsg
	// /healthz answers 503 with a body when storage is unreachable.
	if err := getJSON(ctx, apiURL+"/healthz", &msg.Health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return errMsg(err)
	}
	msg.Health.Connected = true
	msg.Health.LastCheck = time.Now()

	msg.Totals = make(map[module.Type]int, len(module.Types))
	for _, t := range module.Types {
		var page struct {
			Total int `json:"total"`
		}
		q := url.Values{"type": {string(t)}, "limit": {"1"}}
		if err := getJSON(ctx, apiURL+"/modules?"+q.Encode(), &page, http.StatusOK); err != nil {
			return errMsg(err)
		}
		msg.Totals[t] = page.Total
	}
	return msg
}

func getJSON(ctx context.Context, u string, v any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return fmt.Errorf("GET %s: %s", req.URL.Path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
