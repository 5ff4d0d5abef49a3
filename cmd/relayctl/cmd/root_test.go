package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/austindbirch/status_relay/internal/api"
	"github.com/austindbirch/status_relay/internal/auth"
	"github.com/austindbirch/status_relay/internal/broadcast"
	"github.com/austindbirch/status_relay/internal/delivery"
)

// withGlobals restores the package level flag values after a test.
func withGlobals(t *testing.T) {
	t.Helper()
	saved := struct {
		server, session, token string
		timeout                time.Duration
		json, pretty           bool
	}{serverURL, sessionID, jwtToken, timeout, outputJSON, prettyJSON}
	t.Cleanup(func() {
		serverURL, sessionID, jwtToken = saved.server, saved.session, saved.token
		timeout, outputJSON, prettyJSON = saved.timeout, saved.json, saved.pretty
	})
	timeout = 5 * time.Second
	jwtToken = ""
	outputJSON = false
	prettyJSON = false
}

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	if got := checkJQAvailable(); got != (err == nil) {
		t.Errorf("checkJQAvailable() = %v, want %v", got, err == nil)
	}
}

func TestFormatWithJQ(t *testing.T) {
	if !checkJQAvailable() {
		t.Skip("jq not available, skipping test")
	}
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{name: "valid json", jsonData: []byte(`{"key":"value","number":42}`)},
		{name: "invalid json", jsonData: []byte(`{"key":"value",}`), wantErr: true},
		{name: "json array", jsonData: []byte(`[1,2,3]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Errorf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == "" {
				t.Errorf("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "15550000001", want: []string{"15550000001"}},
		{name: "trims and drops blanks", in: " a , ,b,", want: []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitList(tt.in)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPayloadFromFlags(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantKind  string
		wantStyle bool
		wantErr   bool
	}{
		{name: "text", args: []string{"--text", "hello"}, wantKind: "text"},
		{name: "styled text", args: []string{"--text", "hello", "--background", "#000000", "--font", "2"}, wantKind: "text", wantStyle: true},
		{name: "image inferred", args: []string{"--media-url", "https://cdn/x.jpg"}, wantKind: "image"},
		{name: "video from mimetype", args: []string{"--media-url", "https://cdn/x.mp4", "--mimetype", "video/mp4"}, wantKind: "video"},
		{name: "audio from mimetype", args: []string{"--media-url", "https://cdn/x.ogg", "--mimetype", "audio/ogg"}, wantKind: "audio"},
		{name: "empty text rejected", args: []string{}, wantErr: true},
		{name: "unknown kind rejected", args: []string{"--kind", "sticker", "--text", "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			addPayloadFlags(fs)
			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			p, style, err := payloadFromFlags(fs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("payloadFromFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", p.Kind, tt.wantKind)
			}
			if (style != nil) != tt.wantStyle {
				t.Errorf("style = %+v, want present %v", style, tt.wantStyle)
			}
		})
	}
}

func TestRecipientSpec(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addRecipientFlags(fs)
	if err := fs.Parse([]string{"--to", "1555,1556", "--list", "friends", "--own-device"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	spec := recipientSpec(fs)
	if len(spec.Recipients) != 2 || spec.List != "friends" || !spec.IncludeOwnDevice || spec.AllContacts {
		t.Errorf("recipientSpec() = %+v", spec)
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{key: "server", value: "http://relay:8080", want: "http://relay:8080"},
		{key: "json", value: "true", want: true},
		{key: "pretty", value: "maybe", wantErr: true},
		{key: "timeout", value: "90s", want: "1m30s"},
		{key: "timeout", value: "soon", wantErr: true},
		{key: "colour", value: "red", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseConfigValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDoJSON(t *testing.T) {
	withGlobals(t)

	var gotAuth, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSession = r.Header.Get(auth.ProxySessionHeader)
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"abandoned":3}`))
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "nothing was sent", Summary: &delivery.Summary{Status: "failed"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	serverURL = srv.URL + "/"

	t.Run("decodes success", func(t *testing.T) {
		sessionID = "s1"
		var out struct {
			Abandoned int `json:"abandoned"`
		}
		if err := doJSON(context.Background(), http.MethodGet, "/ok", nil, &out); err != nil {
			t.Fatalf("doJSON() error: %v", err)
		}
		if out.Abandoned != 3 {
			t.Errorf("abandoned = %d, want 3", out.Abandoned)
		}
		if gotSession != "s1" || gotAuth != "" {
			t.Errorf("headers auth=%q session=%q, want session header only", gotAuth, gotSession)
		}
	})

	t.Run("token wins over session header", func(t *testing.T) {
		jwtToken = "abc"
		defer func() { jwtToken = "" }()
		if err := doJSON(context.Background(), http.MethodGet, "/ok", nil, nil); err != nil {
			t.Fatalf("doJSON() error: %v", err)
		}
		if gotAuth != "Bearer abc" || gotSession != "" {
			t.Errorf("headers auth=%q session=%q", gotAuth, gotSession)
		}
	})

	t.Run("decodes api errors", func(t *testing.T) {
		err := doJSON(context.Background(), http.MethodPost, "/fail", map[string]string{}, nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("doJSON() error = %v, want *APIError", err)
		}
		if apiErr.StatusCode != http.StatusBadGateway || apiErr.Body.Summary == nil {
			t.Errorf("APIError = %+v", apiErr)
		}
		if !strings.Contains(err.Error(), "nothing was sent") {
			t.Errorf("error text %q lacks relay message", err)
		}
	})
}

func TestSubmitCommand(t *testing.T) {
	withGlobals(t)

	var got api.SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions/s1/posts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(broadcast.Submission{
			PostID:    "p1",
			MessageID: "3EB0AA",
			Summary:   delivery.Summary{JobID: "j1", Status: delivery.StatusDelivered, Total: 2, Sent: 2, Attempts: 1},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)
	rootCmd.SetArgs([]string{"post", "submit", "--server", srv.URL, "--session", "s1", "--text", "hello", "--to", "15550000001,15550000002"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if got.Payload.Text != "hello" || len(got.To.Recipients) != 2 {
		t.Errorf("request = %+v", got)
	}
	for _, want := range []string{"Post p1 created", "3EB0AA", "Sent: 2/2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRequireSession(t *testing.T) {
	withGlobals(t)
	sessionID = ""
	if _, err := requireSession(); !errors.Is(err, errNoSession) {
		t.Errorf("requireSession() error = %v, want errNoSession", err)
	}
	sessionID = "s1"
	if s, err := requireSession(); err != nil || s != "s1" {
		t.Errorf("requireSession() = %q, %v", s, err)
	}
}

func TestPrintOutput(t *testing.T) {
	withGlobals(t)
	v := map[string]int{"hydrated": 2}
	human := func(w io.Writer) { fmt.Fprintln(w, "Hydrated 2 post(s)") }

	var buf bytes.Buffer
	printOutput(&buf, v, human)
	if got := buf.String(); got != "Hydrated 2 post(s)\n" {
		t.Errorf("human output = %q", got)
	}

	outputJSON = true
	buf.Reset()
	printOutput(&buf, v, human)
	var decoded map[string]int
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded["hydrated"] != 2 {
		t.Errorf("json output = %q (%v)", buf.String(), err)
	}

	outputJSON = false
	buf.Reset()
	printOutput(&buf, v, nil)
	if !strings.Contains(buf.String(), `"hydrated": 2`) {
		t.Errorf("nil formatter should fall back to JSON, got %q", buf.String())
	}
}
