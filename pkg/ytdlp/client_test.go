package ytdlp

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGetInfo_ParsesFormats(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte(`{
			"id": "abc",
			"title": "hello",
			"duration": 12.5,
			"thumbnail": "https://example.com/t.jpg",
			"formats": [
				{"format_id": "18", "url": "https://cdn/18", "protocol": "https", "vcodec": "avc1", "acodec": "mp4a", "tbr": 500, "height": 360},
				{"format_id": "299", "url": "https://cdn/299", "protocol": "https", "vcodec": "avc1", "acodec": "none", "tbr": 4000, "height": 1080}
			]
		}`), nil, nil
	}

	info, err := c.GetInfo(context.Background(), "https://youtube.com/watch?v=abc")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if info.ID != "abc" {
		t.Fatalf("expected id=abc, got %q", info.ID)
	}
	if info.Duration != 12.5 {
		t.Fatalf("expected duration=12.5, got %v", info.Duration)
	}
	if len(info.Formats) != 2 {
		t.Fatalf("expected 2 formats, got %d", len(info.Formats))
	}
	if info.Formats[0].ACodec != "mp4a" || info.Formats[1].ACodec != "none" {
		t.Fatalf("formats parsed wrong: %+v", info.Formats)
	}
	if len(info.Raw) == 0 {
		t.Fatalf("expected Raw to be set")
	}
}

func TestGetInfo_SkipsDownload(t *testing.T) {
	c := New()
	var gotArgs []string
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		return []byte(`{"id":"x"}`), nil, nil
	}

	_, err := c.GetInfo(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"--dump-single-json", "--skip-download", "--no-playlist"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
}

func TestGetInfo_WrapsExecError(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte("out"), []byte("err"), errors.New("boom")
	}

	_, err := c.GetInfo(context.Background(), "https://example.com")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %T", err)
	}
	if ee.Stderr != "err" {
		t.Fatalf("expected stderr=err, got %q", ee.Stderr)
	}
}

func TestVersion_TrimsOutput(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte("2026.01.01\n"), nil, nil
	}

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if v != "2026.01.01" {
		t.Fatalf("expected version to be trimmed, got %q", v)
	}
}

func TestClient_PathOrDefault(t *testing.T) {
	c := &Client{Path: "   "}
	if c.PathOrDefault() != "yt-dlp" {
		t.Fatalf("expected default path")
	}
	c.Path = "/usr/local/bin/yt-dlp"
	if c.PathOrDefault() != "/usr/local/bin/yt-dlp" {
		t.Fatalf("expected configured path")
	}
}
