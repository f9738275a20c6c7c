package agent

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1set/inkframe"
	"github.com/1set/inkframe/clock"
	"github.com/1set/inkframe/epd"
	"github.com/1set/inkframe/network"
	"github.com/1set/inkframe/pngstream"
	"github.com/1set/inkframe/store"
)

const testMAC = "A4:CF:12:0B:3C:01"

// contentService is a scripted content service.
type contentService struct {
	mu          sync.Mutex
	setupStatus int
	setupBody   string
	display     []string // served in turn; the last one repeats
	image       []byte
	imageStatus int
	hits        map[string]int
	headers     map[string]http.Header
}

func newContentService(image []byte) *contentService {
	return &contentService{
		setupStatus: http.StatusOK,
		setupBody:   `{"status":200,"api_key":"tok-123","friendly_id":"F00D1E"}`,
		display:     []string{`{"status":0,"image_url":"/foo.img","filename":"foo","refresh_rate":900}`},
		image:       image,
		imageStatus: http.StatusOK,
		hits:        map[string]int{},
		headers:     map[string]http.Header{},
	}
}

func (s *contentService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := s.hits[r.URL.Path]
	s.hits[r.URL.Path]++
	s.headers[r.URL.Path] = r.Header.Clone()
	imageStatus := s.imageStatus
	s.mu.Unlock()

	switch r.URL.Path {
	case "/api/setup":
		w.WriteHeader(s.setupStatus)
		io.WriteString(w, s.setupBody)
	case "/api/display":
		if n >= len(s.display) {
			n = len(s.display) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, s.display[n])
	case "/foo.img":
		w.WriteHeader(imageStatus)
		w.Write(s.image)
	default:
		http.NotFound(w, r)
	}
}

type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

type fixture struct {
	svc     *contentService
	server  *httptest.Server
	store   *store.Dir
	panel   *epd.Memory
	sleeper *recordingSleeper
	agent   *Agent
}

func newFixture(t *testing.T, image []byte, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{svc: newContentService(image), sleeper: &recordingSleeper{}}
	f.server = httptest.NewServer(f.svc)
	t.Cleanup(f.server.Close)

	client, err := inkframe.NewClient(f.server.URL+"/api", inkframe.WithRateLimiter(nil))
	if err != nil {
		t.Fatal(err)
	}
	f.store, err = store.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f.panel = epd.NewMemory(2, 2)
	opts := Options{
		Service:      client,
		Store:        f.store,
		Panel:        f.panel,
		Sleeper:      f.sleeper,
		Identity:     DeviceIdentity{MAC: testMAC},
		DefaultSleep: 10 * time.Minute,
		Clock:        clock.Fake(time.Unix(0, 0)),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.agent, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// checkerboardPNG encodes a 1-bit indexed image whose pixel (x, y) is black when x+y is odd.
func checkerboardPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.White, color.Black})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetColorIndex(x, y, uint8((x+y)%2))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRunCycleEndToEnd(t *testing.T) {
	img := checkerboardPNG(t, 2, 2)
	f := newFixture(t, img, nil)

	c := f.agent.RunCycle(context.Background())

	if failed := c.Report.Failed(); len(failed) != 0 {
		t.Fatalf("failed steps: %v (%v)", failed, c.Report.Steps)
	}
	if c.AccessToken != "tok-123" || c.FriendlyID != "F00D1E" {
		t.Fatalf("token=%q friendly=%q", c.AccessToken, c.FriendlyID)
	}
	if c.Descriptor.ImageURL != f.server.URL+"/foo.img" || c.Descriptor.RefreshInterval != 900*time.Second {
		t.Fatalf("descriptor=%+v", c.Descriptor)
	}
	if f.panel.SetPixels != 4 || f.panel.Commits != 1 || f.panel.PowerOffs != 1 {
		t.Fatalf("setpixel=%d commits=%d poweroffs=%d", f.panel.SetPixels, f.panel.Commits, f.panel.PowerOffs)
	}
	want := map[[2]int]epd.Color{{0, 0}: epd.Blank, {1, 0}: epd.Ink, {0, 1}: epd.Ink, {1, 1}: epd.Blank}
	for p, col := range want {
		if got := f.panel.At(p[0], p[1]); got != col {
			t.Fatalf("pixel %v=%v want %v", p, got, col)
		}
	}
	if len(f.sleeper.slept) != 1 || f.sleeper.slept[0] != 900*time.Second {
		t.Fatalf("slept=%v", f.sleeper.slept)
	}
	if c.Report.AssetBytes != int64(len(img)) || len(c.Report.AssetDigest) != 64 {
		t.Fatalf("asset bytes=%d digest=%q", c.Report.AssetBytes, c.Report.AssetDigest)
	}

	h := f.svc.headers["/api/display"]
	if h.Get("ID") != testMAC || h.Get("Access-Token") != "tok-123" || h.Get("RSSI") != "0" {
		t.Fatalf("display headers=%v", h)
	}
	if h.Get("Width") != "2" || h.Get("Height") != "2" {
		t.Fatalf("geometry headers=%v", h)
	}
	if f.svc.headers["/api/setup"].Get("ID") != testMAC {
		t.Fatal("setup did not send the device ID")
	}
}

func TestRegistrationFailureLeavesTokenEmpty(t *testing.T) {
	f := newFixture(t, checkerboardPNG(t, 2, 2), nil)
	f.svc.setupStatus = http.StatusInternalServerError
	f.svc.setupBody = `{"error":"boom"}`

	c := f.agent.RunCycle(context.Background())

	var apiErr *inkframe.APIError
	if !errors.As(c.Report.Err(StepRegister), &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("register error=%v", c.Report.Err(StepRegister))
	}
	if c.AccessToken != "" {
		t.Fatalf("token=%q", c.AccessToken)
	}
	h := f.svc.headers["/api/display"]
	if _, ok := h["Access-Token"]; !ok || h.Get("Access-Token") != "" {
		t.Fatalf("display should be called with an empty token, headers=%v", h)
	}
	if f.panel.Commits != 1 || len(f.sleeper.slept) != 1 {
		t.Fatalf("cycle did not complete: commits=%d slept=%v", f.panel.Commits, f.sleeper.slept)
	}
}

func TestMalformedDescriptorKeepsPrevious(t *testing.T) {
	f := newFixture(t, checkerboardPNG(t, 2, 2), nil)
	f.svc.display = []string{`{"image_url": "/next.img", "refresh_rate": 60`}

	c := f.agent.NewCycle()
	prev := Descriptor{ImageURL: "https://cdn.example/old.png", RefreshInterval: 5 * time.Minute}
	c.Descriptor = prev

	err := f.agent.FetchDescriptor(context.Background(), c)
	var perr *inkframe.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if c.Descriptor != prev || c.Fresh {
		t.Fatalf("descriptor changed to %+v", c.Descriptor)
	}

	f.svc.display = []string{`{"image_url": "", "refresh_rate": 60}`}
	if err := f.agent.FetchDescriptor(context.Background(), c); !errors.Is(err, inkframe.ErrImageURLMissing) {
		t.Fatalf("want missing image url, got %v", err)
	}
	if c.Descriptor != prev {
		t.Fatalf("descriptor changed to %+v", c.Descriptor)
	}
}

func TestStaleDescriptorAcrossCycles(t *testing.T) {
	f := newFixture(t, checkerboardPNG(t, 2, 2), nil)
	f.svc.display = []string{
		`{"image_url":"/foo.img","refresh_rate":"900"}`,
		`not json`,
	}

	first := f.agent.RunCycle(context.Background())
	second := f.agent.RunCycle(context.Background())

	if second.Report.Err(StepDescriptor) == nil {
		t.Fatal("second descriptor fetch should fail")
	}
	if second.Descriptor != first.Descriptor {
		t.Fatalf("descriptor not retained: %+v vs %+v", second.Descriptor, first.Descriptor)
	}
	if !second.Report.Ran(StepDownload) || second.Report.Err(StepDownload) != nil {
		t.Fatalf("retained url not downloaded: %v", second.Report.Err(StepDownload))
	}
	if f.svc.hits["/foo.img"] != 2 {
		t.Fatalf("image hits=%d, want 2", f.svc.hits["/foo.img"])
	}
	if second.Report.Err(StepRender) != nil || f.panel.Commits != 2 {
		t.Fatalf("stored image not rendered: %v", second.Report.Err(StepRender))
	}
	if f.sleeper.slept[1] != 900*time.Second {
		t.Fatalf("slept=%v", f.sleeper.slept)
	}
}

func TestStaleDescriptorFailedDownload(t *testing.T) {
	f := newFixture(t, checkerboardPNG(t, 2, 2), nil)
	f.svc.display = []string{`{"image_url":"/foo.img","refresh_rate":900}`, `{"status":503}`}

	f.agent.RunCycle(context.Background())
	f.svc.mu.Lock()
	f.svc.imageStatus = http.StatusBadGateway
	f.svc.mu.Unlock()
	second := f.agent.RunCycle(context.Background())

	if second.Report.Err(StepDownload) == nil {
		t.Fatal("download of the retained url should fail")
	}
	if !errors.Is(second.Report.Err(StepRender), ErrNoAsset) {
		t.Fatalf("render error=%v", second.Report.Err(StepRender))
	}
	if f.panel.Begins != 1 || f.panel.PowerOffs != 2 {
		t.Fatalf("begins=%d poweroffs=%d", f.panel.Begins, f.panel.PowerOffs)
	}
	if f.sleeper.slept[1] != 900*time.Second {
		t.Fatalf("slept=%v", f.sleeper.slept)
	}
}

func TestDownloadLogCarriesCycle(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, checkerboardPNG(t, 2, 2), func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})

	c := f.agent.RunCycle(context.Background())
	if err := c.Report.Err(StepDownload); err != nil {
		t.Fatalf("download: %v", err)
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "image downloaded") {
			line = l
			break
		}
	}
	if line == "" {
		t.Fatalf("no download line in log:\n%s", buf.String())
	}
	for _, want := range []string{"cycle=" + c.ID.String(), "device=" + testMAC, "blake3="} {
		if !strings.Contains(line, want) {
			t.Fatalf("download line %q missing %q", line, want)
		}
	}
}

func TestDescriptorFailureUsesDefaultSleep(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.svc.display = []string{`{"status":500}`}

	c := f.agent.RunCycle(context.Background())

	if !errors.Is(c.Report.Err(StepRender), ErrNoAsset) {
		t.Fatalf("render error=%v", c.Report.Err(StepRender))
	}
	if f.panel.Begins != 0 || f.panel.PowerOffs != 1 {
		t.Fatalf("begins=%d poweroffs=%d", f.panel.Begins, f.panel.PowerOffs)
	}
	if len(f.sleeper.slept) != 1 || f.sleeper.slept[0] != 10*time.Minute {
		t.Fatalf("slept=%v", f.sleeper.slept)
	}
}

func TestDownloadIsIdempotent(t *testing.T) {
	img := checkerboardPNG(t, 9, 7)
	f := newFixture(t, img, nil)
	url := f.server.URL + "/foo.img"

	read := func() []byte {
		t.Helper()
		file, err := f.store.Open("/screen.png")
		if err != nil {
			t.Fatal(err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	if err := f.agent.DownloadImage(context.Background(), url, "/screen.png"); err != nil {
		t.Fatal(err)
	}
	first := read()
	if err := f.agent.DownloadImage(context.Background(), url, "/screen.png"); err != nil {
		t.Fatal(err)
	}
	second := read()
	if !bytes.Equal(first, img) || !bytes.Equal(second, img) {
		t.Fatalf("asset differs from the served image (%d, %d, %d bytes)", len(first), len(second), len(img))
	}
}

func TestDownloadFailureRemovesAsset(t *testing.T) {
	f := newFixture(t, checkerboardPNG(t, 2, 2), nil)
	url := f.server.URL + "/foo.img"
	if err := f.agent.DownloadImage(context.Background(), url, "/screen.png"); err != nil {
		t.Fatal(err)
	}

	f.svc.imageStatus = http.StatusNotFound
	err := f.agent.DownloadImage(context.Background(), url, "/screen.png")
	var apiErr *inkframe.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 APIError, got %v", err)
	}
	if ok, _ := f.store.Exists("/screen.png"); ok {
		t.Fatal("old asset survived a failed download")
	}
}

func TestDownloadTruncatedBodyRemovesPartialAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write([]byte("\x89PNG\r\n\x1a\n"))
	}))
	defer srv.Close()
	f := newFixture(t, nil, nil)

	err := f.agent.DownloadImage(context.Background(), srv.URL+"/partial.png", "/screen.png")
	var nerr *inkframe.NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("want NetworkError, got %v", err)
	}
	if ok, _ := f.store.Exists("/screen.png"); ok {
		t.Fatal("partial asset left behind")
	}
}

func TestZeroByteAssetFailsToOpen(t *testing.T) {
	f := newFixture(t, []byte{}, nil)

	c := f.agent.RunCycle(context.Background())

	if c.Report.Err(StepDownload) != nil || c.Report.AssetBytes != 0 {
		t.Fatalf("download: %v (%d bytes)", c.Report.Err(StepDownload), c.Report.AssetBytes)
	}
	if !pngstream.IsKind(c.Report.Err(StepRender), pngstream.OpenFailed) {
		t.Fatalf("want OpenFailed, got %v", c.Report.Err(StepRender))
	}
	if f.panel.Begins != 0 || f.panel.PowerOffs != 1 {
		t.Fatalf("begins=%d poweroffs=%d", f.panel.Begins, f.panel.PowerOffs)
	}
	if len(f.sleeper.slept) != 1 || f.sleeper.slept[0] != 900*time.Second {
		t.Fatalf("slept=%v", f.sleeper.slept)
	}
}

func TestRenderAcrossPages(t *testing.T) {
	img := checkerboardPNG(t, 6, 5)
	f := newFixture(t, img, nil)
	f.panel = epd.NewMemory(6, 5, epd.WithPages(3))
	f.agent.panel = f.panel

	c := f.agent.RunCycle(context.Background())
	if err := c.Report.Err(StepRender); err != nil {
		t.Fatal(err)
	}
	if f.panel.Commits != 3 || f.panel.SetPixels != 3*6*5 {
		t.Fatalf("commits=%d setpixels=%d", f.panel.Commits, f.panel.SetPixels)
	}
	for y := 0; y < 5; y++ {
		for x := 0; x < 6; x++ {
			want := epd.Blank
			if (x+y)%2 == 1 {
				want = epd.Ink
			}
			if got := f.panel.At(x, y); got != want {
				t.Fatalf("(%d,%d)=%v want %v", x, y, got, want)
			}
		}
	}
}

type fakeLink struct {
	associated bool
}

func (l fakeLink) MAC() (string, error)      { return testMAC, nil }
func (l fakeLink) RSSI() (int, error)        { return -61, nil }
func (l fakeLink) Associated() (bool, error) { return l.associated, nil }

type fixedTime struct{ calls int }

func (s *fixedTime) Query(context.Context, string) (time.Time, error) {
	s.calls++
	if s.calls < 2 {
		return time.Time{}, errors.New("i/o timeout")
	}
	return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC), nil
}

func TestRunCycleWithLinkAndTimeSync(t *testing.T) {
	src := &fixedTime{}
	f := newFixture(t, checkerboardPNG(t, 2, 2), func(o *Options) {
		o.Identity = DeviceIdentity{}
		o.Link = fakeLink{associated: false}
		o.AssociationAttempts = 3
		o.TimeSource = src
		o.TimeSync = network.TimeSyncOptions{Servers: []string{"ntp.test"}, Attempts: 3}
	})

	c := f.agent.RunCycle(context.Background())

	if !errors.Is(c.Report.Err(StepAssociate), network.ErrAssociationTimeout) {
		t.Fatalf("associate=%v", c.Report.Err(StepAssociate))
	}
	if c.Report.Err(StepTimeSync) != nil || src.calls != 2 {
		t.Fatalf("time sync=%v calls=%d", c.Report.Err(StepTimeSync), src.calls)
	}
	if c.Identity.MAC != testMAC || c.RSSI != -61 {
		t.Fatalf("identity=%+v rssi=%d", c.Identity, c.RSSI)
	}
	if got := f.svc.headers["/api/display"].Get("RSSI"); got != "-61" {
		t.Fatalf("RSSI header=%q", got)
	}
	if f.panel.Commits != 1 || len(f.sleeper.slept) != 1 {
		t.Fatal("cycle did not complete after association timeout")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
