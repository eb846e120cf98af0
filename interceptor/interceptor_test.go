package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"gamerelay/catalog"
	"gamerelay/keysource"
	"gamerelay/packet"
	"gamerelay/rc4"
	"gamerelay/shared"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testProduction = "PRODUCTION-201601012205-226667486"
	testPlatform   = "FLASH15"
)

type stubLoader struct {
	mu     sync.Mutex
	urls   []string
	tables *catalog.Tables
}

func (l *stubLoader) Load(_ context.Context, clientURL string) (*catalog.Tables, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, clientURL)
	return l.tables, nil
}

func (l *stubLoader) requested() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

type stubRedirector struct {
	mu      sync.Mutex
	added   []string
	removed int
	failAdd error
}

func (r *stubRedirector) AddRedirect(ip, hostname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdd != nil {
		return r.failAdd
	}
	r.added = append(r.added, ip+" "+hostname)
	return nil
}

func (r *stubRedirector) RemoveRedirects() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
	return nil
}

func (r *stubRedirector) counts() (added, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), r.removed
}

type stubResolver struct{ ip net.IP }

func (r stubResolver) Resolve(context.Context, string) (net.IP, error) { return r.ip, nil }

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (net.IP, error) {
	return nil, errors.New("dns server unreachable")
}

// upstream is a fake game server accepting a single connection.
type upstream struct {
	listener net.Listener
	conns    chan net.Conn
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	u := &upstream{listener: l, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			u.conns <- c
		}
	}()
	t.Cleanup(func() { l.Close() })
	return u
}

func (u *upstream) port() int {
	return u.listener.Addr().(*net.TCPAddr).Port
}

func (u *upstream) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("relay never connected upstream")
		return nil
	}
}

func testConfig(port int) *Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.GameHost = "127.0.0.1"
	cfg.GamePort = port
	cfg.RedirectEnabled = false
	cfg.DialAttempts = 1
	cfg.RecoverySettleDelay = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func startInterceptor(t *testing.T, cfg *Config, deps Dependencies) (*Interceptor, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	ic, err := New(cfg, deps, shared.Wrap(zap.New(core), "interceptor-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ic.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(ic.Stop)
	return ic, logs
}

func dialRelay(t *testing.T, ic *Interceptor) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", ic.Addr().String())
	if err != nil {
		t.Fatalf("Dial relay: %v", err)
	}
	c.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFrames(t *testing.T, w io.Writer, msgs ...*packet.Message) {
	t.Helper()
	for _, m := range msgs {
		if _, err := w.Write(packet.Encode(m)); err != nil {
			t.Fatalf("write frame %d: %v", m.ID, err)
		}
	}
}

func readMessage(t *testing.T, r *packet.Reader) *packet.Message {
	t.Helper()
	m, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return m
}

func handshakeFrames() []*packet.Message {
	return []*packet.Message{
		packet.New(4000).WriteString(testProduction),
		packet.New(4001).WriteString(testPlatform),
		packet.New(1).WriteString("init"),
	}
}

// sendHandshake writes the plaintext handshake and checks the server got it
// unchanged.
func sendHandshake(t *testing.T, client net.Conn, server *packet.Reader) {
	t.Helper()
	handshake := handshakeFrames()
	writeFrames(t, client, handshake...)
	for _, want := range handshake {
		if diff := cmp.Diff(want, readMessage(t, server), cmpFrame); diff != "" {
			t.Fatalf("handshake frame mismatch (-want +got):\n%s", diff)
		}
	}
}

// cipheredSample enciphers frames the way the client does right after the
// handshake. The returned key is the client state after the sample.
func cipheredSample(t *testing.T, seed []byte, frames ...*packet.Message) ([]byte, *rc4.Key) {
	t.Helper()
	key, err := rc4.NewKey(seed)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	var sample []byte
	for _, f := range frames {
		sample = append(sample, packet.Encode(f)...)
	}
	key.Cipher(sample)
	return sample, key
}

func waitForLog(t *testing.T, logs *observer.ObservedLogs, msg string, count int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for logs.FilterMessage(msg).Len() < count {
		if time.Now().After(deadline) {
			t.Fatalf("%q logged %d times, want %d", msg, logs.FilterMessage(msg).Len(), count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var cmpFrame = cmp.Comparer(func(a, b *packet.Message) bool {
	return a.ID == b.ID && bytes.Equal(a.Body, b.Body)
})

func TestRelayRecoversCipherAndForwards(t *testing.T) {
	seed := []byte("interceptor-test-seed")
	up := newUpstream(t)

	tables := &catalog.Tables{}
	tables.Outgoing[200] = catalog.Entry{ID: 200, Hash: "hash-200", Structure: "s"}
	tables.Incoming[900] = catalog.Entry{ID: 900, Hash: "hash-900"}
	loader := &stubLoader{tables: tables}

	// The client enciphers everything after the handshake. The captured
	// table is its state right after the sampled frames.
	clientKey, _ := rc4.NewKey(seed)
	f4 := packet.New(100).WriteInt32(7).WriteString("http://client.example/gordon/")
	f5 := packet.New(200).WriteString("hello")
	f6 := packet.New(300).WriteInt32(42)
	sample := append(packet.Encode(f4), packet.Encode(f5)...)
	clientKey.Cipher(sample)
	captured := clientKey.Table()

	ic, logs := startInterceptor(t, testConfig(up.port()), Dependencies{
		Keys:    keysource.NewStatic(captured),
		Catalog: loader,
	})

	hashes := make(chan string, 8)
	ic.Outgoing().RegisterFunc(func(ctx context.Context, m *packet.Message) error {
		if _, ok := FromContext(ctx); !ok {
			t.Error("handler context carries no connection")
		}
		hashes <- m.Hash
		return nil
	})
	incomingHashes := make(chan string, 1)
	ic.Incoming().RegisterFunc(func(ctx context.Context, m *packet.Message) error {
		incomingHashes <- m.Hash
		return nil
	})

	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(10 * time.Second))

	select {
	case <-ic.Established():
	case <-time.After(5 * time.Second):
		t.Fatal("Established never closed")
	}

	var serverKey *rc4.Key
	serverFrames := packet.NewReader(&decipherReader{r: server, key: func() *rc4.Key { return serverKey }}, 0)

	sendHandshake(t, client, serverFrames)

	serverKey, _ = rc4.NewKey(seed)
	if _, err := client.Write(sample); err != nil {
		t.Fatal(err)
	}
	for _, want := range []*packet.Message{f4, f5} {
		if diff := cmp.Diff(want, readMessage(t, serverFrames), cmpFrame); diff != "" {
			t.Fatalf("recovered frame mismatch (-want +got):\n%s", diff)
		}
	}

	// Traffic after recovery keeps flowing through the recovered state.
	tail := packet.Encode(f6)
	clientKey.Cipher(tail)
	if _, err := client.Write(tail); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f6, readMessage(t, serverFrames), cmpFrame); diff != "" {
		t.Fatalf("post-recovery frame mismatch (-want +got):\n%s", diff)
	}

	// Server to client traffic is not ciphered and passes through unchanged.
	reply := packet.Encode(packet.New(900).WriteString("welcome"))
	if _, err := server.Write(reply); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(reply))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("reply altered: % x", got)
	}

	// The build string comes from the first frame, not the platform frame.
	if p := ic.Production(); p != testProduction {
		t.Errorf("Production = %q, want %q", p, testProduction)
	}
	if urls := loader.requested(); len(urls) != 1 || urls[0] != "http://client.example/gordon/" {
		t.Errorf("catalog requested with %v", urls)
	}
	if !ic.Current().Keyed() {
		t.Error("connection not keyed")
	}

	var seen []string
	for len(seen) < 6 {
		select {
		case h := <-hashes:
			seen = append(seen, h)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d outgoing notifications", len(seen))
		}
	}
	if seen[4] != "hash-200" {
		t.Errorf("frame 200 annotated with %q, want hash-200", seen[4])
	}
	if h := <-incomingHashes; h != "hash-900" {
		t.Errorf("incoming frame annotated with %q", h)
	}
	if logs.FilterMessage("Decryption enabled").Len() != 1 {
		t.Error("recovery was not logged")
	}
	entries := logs.FilterMessage("Client production").All()
	if len(entries) != 1 || entries[0].ContextMap()["production"] != testProduction {
		t.Errorf("production log entries = %v", entries)
	}
}

func TestInjectionDuringRecoveryFollowsRecoveredFrames(t *testing.T) {
	seed := []byte("injection-ordering-seed")
	up := newUpstream(t)

	f4 := packet.New(100).WriteInt32(7).WriteString("http://client.example/gordon/")
	f5 := packet.New(200).WriteString("hello")
	sample, clientKey := cipheredSample(t, seed, f4, f5)

	ic, _ := startInterceptor(t, testConfig(up.port()), Dependencies{
		Keys: keysource.NewStatic(clientKey.Table()),
	})

	injected := packet.New(77).WriteString("injected")
	var once sync.Once
	ic.Outgoing().RegisterFunc(func(ctx context.Context, m *packet.Message) error {
		if m.ID != 100 {
			return nil
		}
		once.Do(func() {
			if c, ok := FromContext(ctx); !ok || c.Keyed() {
				t.Error("keys published before the recovered frames were written")
			}
			done := make(chan error, 1)
			go func() { done <- ic.SendToServer(context.Background(), injected) }()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("SendToServer: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("SendToServer blocked during recovery")
			}
		})
		return nil
	})

	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(10 * time.Second))

	var serverKey *rc4.Key
	serverFrames := packet.NewReader(&decipherReader{r: server, key: func() *rc4.Key { return serverKey }}, 0)
	sendHandshake(t, client, serverFrames)

	serverKey, _ = rc4.NewKey(seed)
	if _, err := client.Write(sample); err != nil {
		t.Fatal(err)
	}
	for _, want := range []*packet.Message{f4, f5, injected} {
		if diff := cmp.Diff(want, readMessage(t, serverFrames), cmpFrame); diff != "" {
			t.Fatalf("server frame mismatch (-want +got):\n%s", diff)
		}
	}
	if !ic.Current().Keyed() {
		t.Error("connection not keyed")
	}
}

func TestCatalogLoadedForEveryKeyedConnection(t *testing.T) {
	seed := []byte("catalog-per-connection")
	const clientURL = "http://client.example/gordon/"
	first := packet.New(100).WriteInt32(7).WriteString(clientURL)
	sample, clientKey := cipheredSample(t, seed, first)

	up := newUpstream(t)
	loader := &stubLoader{tables: &catalog.Tables{}}
	ic, logs := startInterceptor(t, testConfig(up.port()), Dependencies{
		Keys:    keysource.NewStatic(clientKey.Table()),
		Catalog: loader,
	})

	for n := 1; n <= 2; n++ {
		client := dialRelay(t, ic)
		server := up.accept(t)
		server.SetDeadline(time.Now().Add(10 * time.Second))

		var serverKey *rc4.Key
		serverFrames := packet.NewReader(&decipherReader{r: server, key: func() *rc4.Key { return serverKey }}, 0)
		sendHandshake(t, client, serverFrames)

		serverKey, _ = rc4.NewKey(seed)
		if _, err := client.Write(sample); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, readMessage(t, serverFrames), cmpFrame); diff != "" {
			t.Fatalf("connection %d frame mismatch (-want +got):\n%s", n, diff)
		}
		if urls := loader.requested(); len(urls) != n {
			t.Fatalf("after connection %d catalog requested %d times", n, len(urls))
		}

		client.Close()
		waitForLog(t, logs, "Disconnected.", n)
	}
	if logs.FilterMessage("Message catalog loaded").Len() != 2 {
		t.Error("catalog load not logged per connection")
	}
}

func TestBlockedFramesAreNotForwarded(t *testing.T) {
	up := newUpstream(t)
	ic, _ := startInterceptor(t, testConfig(up.port()), Dependencies{})

	ic.Outgoing().RegisterFunc(func(ctx context.Context, m *packet.Message) error {
		if m.ID == 2 {
			m.Block()
		}
		return nil
	})
	ic.Outgoing().RegisterFunc(func(ctx context.Context, m *packet.Message) error {
		if m.ID == 3 {
			m.WriteString("appended")
		}
		return nil
	})

	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(5 * time.Second))

	writeFrames(t, client,
		packet.New(1).WriteString("a"),
		packet.New(2).WriteString("b"),
		packet.New(3).WriteString("c"))

	frames := packet.NewReader(server, 0)
	if m := readMessage(t, frames); m.ID != 1 {
		t.Errorf("first forwarded frame = %d, want 1", m.ID)
	}
	m := readMessage(t, frames)
	if m.ID != 3 {
		t.Fatalf("second forwarded frame = %d, want 3", m.ID)
	}
	want := packet.New(3).WriteString("c").WriteString("appended")
	if diff := cmp.Diff(want, m, cmpFrame); diff != "" {
		t.Errorf("handler change not forwarded (-want +got):\n%s", diff)
	}
}

func TestHandlerFailureDoesNotStopRelay(t *testing.T) {
	up := newUpstream(t)
	ic, logs := startInterceptor(t, testConfig(up.port()), Dependencies{})

	ic.Incoming().RegisterFunc(func(ctx context.Context, m *packet.Message) error {
		return errors.New("handler exploded")
	})

	client := dialRelay(t, ic)
	server := up.accept(t)

	frame := packet.Encode(packet.New(55).WriteInt32(1))
	if _, err := server.Write(frame); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(frame))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("frame altered: % x", got)
	}
	if logs.FilterMessage("Packet handler failed").Len() != 1 {
		t.Error("handler failure not logged")
	}
}

func TestPausedDirectionStopsReading(t *testing.T) {
	up := newUpstream(t)
	ic, _ := startInterceptor(t, testConfig(up.port()), Dependencies{})
	ic.SetPaused(packet.Outgoing, true)
	if !ic.Paused(packet.Outgoing) || ic.Paused(packet.Incoming) {
		t.Fatal("pause flags not independent")
	}

	client := dialRelay(t, ic)
	server := up.accept(t)

	writeFrames(t, client, packet.New(10).WriteString("queued"))

	server.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := server.Read(buf); n != 0 || err == nil {
		t.Fatalf("paused direction forwarded data: n=%d err=%v", n, err)
	}

	// The other direction keeps flowing.
	reply := packet.Encode(packet.New(11))
	if _, err := server.Write(reply); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(reply))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("incoming blocked by outgoing pause: %v", err)
	}

	ic.SetPaused(packet.Outgoing, false)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	m := readMessage(t, packet.NewReader(server, 0))
	if m.ID != 10 {
		t.Errorf("resumed frame = %d, want 10", m.ID)
	}
}

func TestRecoveryFailurePassesSampleThrough(t *testing.T) {
	up := newUpstream(t)

	clientKey, _ := rc4.NewKey([]byte("client-seed"))
	wrongKey, _ := rc4.NewKey([]byte("some-other-seed"))
	sample := packet.Encode(packet.New(100).WriteString("secret"))
	clientKey.Cipher(sample)

	ic, logs := startInterceptor(t, testConfig(up.port()), Dependencies{
		Keys: keysource.NewStatic(wrongKey.Table()),
	})
	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(10 * time.Second))

	writeFrames(t, client, handshakeFrames()...)
	frames := packet.NewReader(server, 0)
	for i := 0; i < 3; i++ {
		readMessage(t, frames)
	}

	if _, err := client.Write(sample); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(sample))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !bytes.Equal(got, sample) {
		t.Error("sample bytes were not passed through")
	}
	if logs.FilterMessage("Key recovery failed, relaying without decryption").Len() != 1 {
		t.Error("recovery failure not logged")
	}
	if ic.Current() == nil || ic.Current().Keyed() {
		t.Error("connection should still be up and unkeyed")
	}
}

func TestMissingKeyLeavesConnectionUnkeyed(t *testing.T) {
	up := newUpstream(t)
	ic, logs := startInterceptor(t, testConfig(up.port()), Dependencies{
		Keys: &keysource.File{Path: t.TempDir() + "/absent"},
	})
	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(5 * time.Second))

	frames := append(handshakeFrames(), packet.New(5).WriteString("plain"))
	writeFrames(t, client, frames...)

	r := packet.NewReader(server, 0)
	for _, want := range frames {
		if diff := cmp.Diff(want, readMessage(t, r), cmpFrame); diff != "" {
			t.Fatalf("frame mismatch (-want +got):\n%s", diff)
		}
	}
	if logs.FilterMessage("Could not find RC4 key.").Len() != 1 {
		t.Error("missing key not logged")
	}
}

func TestInjection(t *testing.T) {
	up := newUpstream(t)
	ic, _ := startInterceptor(t, testConfig(up.port()), Dependencies{})

	if err := ic.SendToServer(context.Background(), packet.New(1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendToServer without connection = %v", err)
	}

	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(5 * time.Second))

	// Wait for the connection to be published.
	deadline := time.Now().Add(5 * time.Second)
	for !ic.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ic.SendToServer(context.Background(), packet.New(77).WriteString("injected")); err != nil {
		t.Fatalf("SendToServer: %v", err)
	}
	if m := readMessage(t, packet.NewReader(server, 0)); m.ID != 77 {
		t.Errorf("server got %d, want 77", m.ID)
	}

	if err := ic.SendToClient(context.Background(), packet.New(78)); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	if m := readMessage(t, packet.NewReader(client, 0)); m.ID != 78 {
		t.Errorf("client got %d, want 78", m.ID)
	}
}

func TestDisconnectKeepsAccepting(t *testing.T) {
	up := newUpstream(t)
	ic, logs := startInterceptor(t, testConfig(up.port()), Dependencies{})

	first := dialRelay(t, ic)
	up.accept(t)
	first.Close()

	waitForLog(t, logs, "Disconnected.", 1)
	if ic.IsConnected() {
		t.Error("IsConnected after disconnect")
	}

	second := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(5 * time.Second))
	writeFrames(t, second, packet.New(9))
	if m := readMessage(t, packet.NewReader(server, 0)); m.ID != 9 {
		t.Errorf("second connection forwarded %d", m.ID)
	}
}

func TestRedirectLifecycle(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.port())
	cfg.GameHost = "game.test"
	cfg.RedirectEnabled = true
	redirector := &stubRedirector{}

	ic, err := New(cfg, Dependencies{
		Redirector: redirector,
		Resolver:   stubResolver{ip: net.ParseIP("127.0.0.1")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ic.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ic.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if added, removed := redirector.counts(); added != 1 || removed != 0 {
		t.Errorf("after Start added=%d removed=%d", added, removed)
	}
	if ic.serverAddr != net.JoinHostPort("127.0.0.1", strconv.Itoa(up.port())) {
		t.Errorf("server address = %s", ic.serverAddr)
	}

	dialRelay(t, ic)
	up.accept(t)
	select {
	case <-ic.Established():
	case <-time.After(5 * time.Second):
		t.Fatal("Established never closed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, removed := redirector.counts(); removed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("redirect not removed after first connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ic.Stop()
	ic.Stop()
	if _, removed := redirector.counts(); removed != 1 {
		t.Errorf("redirect removed %d times", removed)
	}
}

func TestStartFailsWhenRedirectFails(t *testing.T) {
	cfg := testConfig(1)
	cfg.RedirectEnabled = true
	redirector := &stubRedirector{failAdd: errors.New("read-only")}
	ic, err := New(cfg, Dependencies{Redirector: redirector}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ic.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without a redirect")
	}
	if ic.Addr() != nil {
		t.Errorf("failed Start left listener %v", ic.Addr())
	}

	// Once the hosts file is writable again the same relay starts.
	redirector.mu.Lock()
	redirector.failAdd = nil
	redirector.mu.Unlock()
	if err := ic.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if added, _ := redirector.counts(); added != 1 {
		t.Errorf("redirect added %d times", added)
	}
	ic.Stop()
	if _, removed := redirector.counts(); removed != 1 {
		t.Errorf("redirect removed %d times", removed)
	}
}

func TestStartFallsBackWhenResolverFails(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(up.port())
	ic, logs := startInterceptor(t, cfg, Dependencies{Resolver: failingResolver{}})

	warnings := logs.FilterMessage("Failed to resolve game host, using system resolver").All()
	if len(warnings) != 1 || warnings[0].Level != zap.WarnLevel {
		t.Fatalf("resolver failure log = %v", warnings)
	}
	if warnings[0].ContextMap()["error"] != "dns server unreachable" {
		t.Errorf("warning fields = %v", warnings[0].ContextMap())
	}
	if want := net.JoinHostPort("127.0.0.1", strconv.Itoa(up.port())); ic.serverAddr != want {
		t.Errorf("server address = %s, want %s", ic.serverAddr, want)
	}

	client := dialRelay(t, ic)
	server := up.accept(t)
	server.SetDeadline(time.Now().Add(5 * time.Second))
	writeFrames(t, client, packet.New(9))
	if m := readMessage(t, packet.NewReader(server, 0)); m.ID != 9 {
		t.Errorf("server got %d, want 9", m.ID)
	}
}
