package builder

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/pop3"
	"github.com/shineum/mailbuilder/internal/transport"
	"github.com/shineum/mailbuilder/internal/transport/gomail"
)

const (
	testFrom = "sender@example.com"
	testTo   = "to@example.com"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b := New(gomail.New())
	if err := b.SetContent("test content", "text/plain"); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
	return b
}

// readyBuilder has everything Build requires.
func readyBuilder(t *testing.T) *Builder {
	t.Helper()
	b := newTestBuilder(t)
	if err := b.SetFrom(testFrom); err != nil {
		t.Fatalf("SetFrom: %v", err)
	}
	if err := b.AddTo(testTo); err != nil {
		t.Fatalf("AddTo: %v", err)
	}
	b.SetSubject("Test Subject")
	return b
}

func TestAddBcc(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	err := b.AddBcc("bcc1@example.com", "bcc2@example.com", "bcc3@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(b.Bcc()); got != 3 {
		t.Errorf("Bcc count: got %d, want 3", got)
	}
}

func TestAddBcc_InvalidLeavesSetUnchanged(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.AddBcc("first@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := b.AddBcc("ok@example.com", "not an address", "also-ok@example.com")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("error: got %v, want ErrInvalidAddress", err)
	}

	want := []email.Address{{Address: "first@example.com"}}
	if diff := cmp.Diff(want, b.Bcc()); diff != "" {
		t.Errorf("Bcc mismatch (-want +got):\n%s", diff)
	}
}

func TestAddBcc_DuplicatesIgnored(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.AddBcc("a@example.com", "A@Example.com", "b@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.AddBcc("b@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []email.Address{{Address: "a@example.com"}, {Address: "b@example.com"}}
	if diff := cmp.Diff(want, b.Bcc()); diff != "" {
		t.Errorf("Bcc mismatch (-want +got):\n%s", diff)
	}
}

func TestAddBcc_NoArguments(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.AddBcc(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(b.Bcc()); got != 0 {
		t.Errorf("Bcc count: got %d, want 0", got)
	}
}

func TestAddCc(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.AddCc("cc@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(b.Cc()); got != 1 {
		t.Errorf("Cc count: got %d, want 1", got)
	}

	if err := b.AddCc("@@"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("error: got %v, want ErrInvalidAddress", err)
	}
	if got := len(b.Cc()); got != 1 {
		t.Errorf("Cc count after invalid add: got %d, want 1", got)
	}
}

func TestAddReplyTo(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.AddReplyTo("reply@example.com", "Reply Desk"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []email.Address{{Name: "Reply Desk", Address: "reply@example.com"}}
	if diff := cmp.Diff(want, b.ReplyTo()); diff != "" {
		t.Errorf("ReplyTo mismatch (-want +got):\n%s", diff)
	}
}

func TestAddReplyTo_NameFromAddress(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.AddReplyTo("Support <support@example.com>", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := b.ReplyTo()
	if len(got) != 1 || got[0].Name != "Support" {
		t.Errorf("ReplyTo: got %+v, want name %q", got, "Support")
	}
}

func TestAddHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		hdrName   string
		hdrValue  string
		wantErr   bool
		wantCount int
	}{
		{name: "valid", hdrName: "X-Priority", hdrValue: "1", wantCount: 1},
		{name: "empty name", hdrName: "", hdrValue: "1", wantErr: true},
		{name: "empty value", hdrName: "X-Priority", hdrValue: "", wantErr: true},
		{name: "whitespace name", hdrName: "   ", hdrValue: "1", wantErr: true},
		{name: "whitespace value", hdrName: "X-Priority", hdrValue: "\t ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newTestBuilder(t)
			err := b.AddHeader(tt.hdrName, tt.hdrValue)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("error: got %v, want ErrInvalidArgument", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if got := len(b.Headers()); got != tt.wantCount {
				t.Errorf("header count: got %d, want %d", got, tt.wantCount)
			}
		})
	}
}

func TestAddHeader_KeepsOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	for _, h := range [][2]string{{"X-A", "1"}, {"X-B", "2"}, {"X-A", "3"}} {
		if err := b.AddHeader(h[0], h[1]); err != nil {
			t.Fatalf("AddHeader(%q): %v", h[0], err)
		}
	}

	want := []email.Header{{Name: "X-A", Value: "1"}, {Name: "X-B", Value: "2"}, {Name: "X-A", Value: "3"}}
	if diff := cmp.Diff(want, b.Headers()); diff != "" {
		t.Errorf("Headers mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_MissingRequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(b *Builder)
		want  string
	}{
		{name: "nothing set", setup: func(b *Builder) {}, want: "From, Subject, To"},
		{name: "missing from", setup: func(b *Builder) {
			b.SetSubject("s")
			_ = b.AddTo(testTo)
		}, want: "From"},
		{name: "missing subject", setup: func(b *Builder) {
			_ = b.SetFrom(testFrom)
			_ = b.AddTo(testTo)
		}, want: "Subject"},
		{name: "missing to", setup: func(b *Builder) {
			_ = b.SetFrom(testFrom)
			b.SetSubject("s")
			_ = b.AddCc("cc@example.com")
		}, want: "To"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newTestBuilder(t)
			tt.setup(b)
			err := b.Build()
			if !errors.Is(err, ErrMessageBuild) {
				t.Fatalf("error: got %v, want ErrMessageBuild", err)
			}
			if !strings.Contains(err.Error(), "missing "+tt.want) {
				t.Errorf("error: got %q, want to mention %q", err.Error(), tt.want)
			}
			if b.MimeMessage() != nil {
				t.Error("MimeMessage should be nil after a failed build")
			}
		})
	}
}

func TestBuild_WithPopBeforeSmtp(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	b.SetHostName("smtp.example.com")
	b.SetPopBeforeSmtp(true, "pop.example.com", "user", "secret")

	if err := b.Build(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := b.MimeMessage()
	if msg == nil {
		t.Fatal("MimeMessage is nil after a successful build")
	}
	if msg.MessageID == "" {
		t.Error("MessageID is empty")
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for _, want := range []string{"Subject: Test Subject", testFrom, testTo, "test content"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("rendered message missing %q", want)
		}
	}
}

func TestBuild_Snapshot(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	sent := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b.SetSentDate(sent)
	_ = b.AddBcc("hidden@example.com")
	_ = b.AddHeader("X-Tag", "a")

	if err := b.Build(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := b.MimeMessage()

	// Later mutations do not leak into the snapshot.
	_ = b.AddTo("late@example.com")
	_ = b.AddHeader("X-Late", "b")

	if !msg.SentDate.Equal(sent) {
		t.Errorf("SentDate: got %v, want %v", msg.SentDate, sent)
	}
	wantRcpt := []string{testTo, "hidden@example.com"}
	if diff := cmp.Diff(wantRcpt, msg.Recipients()); diff != "" {
		t.Errorf("Recipients mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]email.Header{{Name: "X-Tag", Value: "a"}}, msg.Headers); diff != "" {
		t.Errorf("Headers mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_ZeroSentDateUsesNow(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	before := time.Now()
	if err := b.Build(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.MimeMessage().SentDate; got.Before(before.Add(-time.Second)) {
		t.Errorf("SentDate: got %v, want about %v", got, before)
	}
	if !b.SentDate().IsZero() {
		t.Error("builder SentDate should stay unset")
	}
}

func TestBuild_UnencodableContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload any
		ct      string
	}{
		{name: "unsupported payload and type", payload: struct{}{}, ct: "SampleType"},
		{name: "type without subtype", payload: "body", ct: "SampleType"},
		{name: "unsupported payload", payload: 42, ct: "text/plain"},
		{name: "empty type", payload: "body", ct: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := readyBuilder(t)
			if err := b.SetContent(tt.payload, tt.ct); err != nil {
				t.Fatalf("SetContent: %v", err)
			}
			if err := b.Build(); !errors.Is(err, ErrMessageBuild) {
				t.Errorf("error: got %v, want ErrMessageBuild", err)
			}
		})
	}
}

func TestBuild_Multipart(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	b.SetMultipart(email.NewMultipart("mixed").
		AddText("text/plain", "see attached").
		Attach("report.csv", "text/csv", []byte("a,b\n1,2\n")))

	if err := b.Build(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := b.MimeMessage().Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !strings.Contains(string(raw), "report.csv") {
		t.Error("rendered message missing attachment filename")
	}
	if !strings.Contains(string(raw), "multipart/mixed") {
		t.Error("rendered message is not multipart/mixed")
	}
}

func TestBuild_EmptyMultipart(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	b.SetMultipart(email.NewMultipart(""))
	if err := b.Build(); !errors.Is(err, ErrMessageBuild) {
		t.Errorf("error: got %v, want ErrMessageBuild", err)
	}
}

func TestBuild_FailureClearsPreviousResult(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	if err := b.Build(); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if b.MimeMessage() == nil {
		t.Fatal("MimeMessage is nil after a successful build")
	}

	if err := b.SetContent(struct{}{}, "SampleType"); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
	if err := b.Build(); err == nil {
		t.Fatal("expected second build to fail")
	}
	if b.MimeMessage() != nil {
		t.Error("MimeMessage should be cleared by a failed build")
	}
}

func TestBuild_Rebuild(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	if err := b.Build(); err != nil {
		t.Fatalf("first build: %v", err)
	}
	first := b.MimeMessage()

	b.SetSubject("Second")
	if err := b.Build(); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := b.MimeMessage().Subject; got != "Second" {
		t.Errorf("Subject: got %q, want %q", got, "Second")
	}
	if first.Subject != "Test Subject" {
		t.Errorf("first snapshot Subject changed to %q", first.Subject)
	}
}

func TestHostName(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	b.SetHostName("mail.example.com")
	if got := b.HostName(); got != "mail.example.com" {
		t.Errorf("HostName: got %q, want %q", got, "mail.example.com")
	}
}

func TestHostName_DefaultFromSession(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	s, err := b.EnsureSession()
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if s == nil {
		t.Fatal("EnsureSession returned nil session")
	}
	if got := b.HostName(); got != transport.DefaultHost {
		t.Errorf("HostName: got %q, want %q", got, transport.DefaultHost)
	}
}

func TestHostName_CreatesSession(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if got := b.HostName(); got == "" {
		t.Error("HostName should not be empty without a configured host")
	}
	if b.session == nil {
		t.Error("HostName should have created the session")
	}
}

func TestEnsureSession_Cached(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	b.SetHostName("one.example.com")

	s1, err := b.EnsureSession()
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	s2, _ := b.EnsureSession()
	if s1 != s2 {
		t.Error("EnsureSession should return the cached session")
	}

	b.SetHostName("two.example.com")
	s3, err := b.EnsureSession()
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if s3 == s1 {
		t.Error("SetHostName should drop the cached session")
	}
	if got := s3.Host(); got != "two.example.com" {
		t.Errorf("session Host: got %q, want %q", got, "two.example.com")
	}
}

func TestEnsureSession_SSL(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	b.SetHostName("smtp.example.com")
	b.SetSSLOnConnect(true)
	if err := b.SetSocketConnectionTimeout(5000); err != nil {
		t.Fatalf("SetSocketConnectionTimeout: %v", err)
	}

	s, err := b.EnsureSession()
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	cfg := s.Config()
	if !cfg.SSLOnConnect {
		t.Error("session should have SSL on connect")
	}
	if got := cfg.EffectivePort(); got != transport.DefaultSSLPort {
		t.Errorf("EffectivePort: got %d, want %d", got, transport.DefaultSSLPort)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout: got %v, want 5s", cfg.ConnectTimeout)
	}
}

func TestEnsureSession_TransportSettings(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.SetSmtpPort(2525); err != nil {
		t.Fatalf("SetSmtpPort: %v", err)
	}
	b.SetStartTLSRequired(true)
	b.SetAuthentication("user", "pass")

	s, err := b.EnsureSession()
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	cfg := s.Config()
	if cfg.EffectivePort() != 2525 {
		t.Errorf("EffectivePort: got %d, want 2525", cfg.EffectivePort())
	}
	if !cfg.StartTLSEnabled || !cfg.StartTLSRequired {
		t.Errorf("StartTLS: got enabled=%v required=%v, want both true", cfg.StartTLSEnabled, cfg.StartTLSRequired)
	}
	if cfg.Username != "user" || cfg.Password != "pass" {
		t.Errorf("credentials: got %q/%q", cfg.Username, cfg.Password)
	}

	if err := b.SetSmtpPort(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetSmtpPort(0): got %v, want ErrInvalidArgument", err)
	}
}

func TestSentDate(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	d := time.Date(2023, 11, 5, 8, 30, 0, 0, time.FixedZone("EST", -5*3600))
	b.SetSentDate(d)
	if got := b.SentDate(); !got.Equal(d) || got.Location() != d.Location() {
		t.Errorf("SentDate: got %v, want %v", got, d)
	}
}

func TestSocketConnectionTimeout(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if got := b.SocketConnectionTimeout(); got != 0 {
		t.Errorf("default SocketConnectionTimeout: got %d, want 0", got)
	}
	if err := b.SetSocketConnectionTimeout(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.SocketConnectionTimeout(); got != 10 {
		t.Errorf("SocketConnectionTimeout: got %d, want 10", got)
	}

	if err := b.SetSocketConnectionTimeout(-1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("error: got %v, want ErrInvalidArgument", err)
	}
	if got := b.SocketConnectionTimeout(); got != 10 {
		t.Errorf("SocketConnectionTimeout after rejected set: got %d, want 10", got)
	}
}

func TestSocketTimeout(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if err := b.SetSocketTimeout(2500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.SocketTimeout(); got != 2500 {
		t.Errorf("SocketTimeout: got %d, want 2500", got)
	}
	if err := b.SetSocketTimeout(-5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("error: got %v, want ErrInvalidArgument", err)
	}
}

func TestSetFrom(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	if b.FromAddress() != nil {
		t.Error("FromAddress should be nil before SetFrom")
	}
	if err := b.SetFrom(testFrom); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.FromAddress().String(); got != testFrom {
		t.Errorf("FromAddress: got %q, want %q", got, testFrom)
	}

	if err := b.SetFrom("bogus"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("error: got %v, want ErrInvalidAddress", err)
	}
	if got := b.FromAddress().String(); got != testFrom {
		t.Errorf("FromAddress after rejected set: got %q, want %q", got, testFrom)
	}
}

func TestSetBounceAddress(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	if err := b.SetBounceAddress("bounce@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := b.MimeMessage().EnvelopeFrom(); got != "bounce@example.com" {
		t.Errorf("EnvelopeFrom: got %q, want %q", got, "bounce@example.com")
	}
	if err := b.SetBounceAddress("nope"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("error: got %v, want ErrInvalidAddress", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	b.SetHostName("smtp.example.com")

	sent := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	src := &email.Message{
		From:     email.Address{Name: "Sender", Address: testFrom},
		To:       []email.Address{{Address: testTo}},
		Cc:       []email.Address{{Address: "cc@example.com"}},
		ReplyTo:  []email.Address{{Name: "Desk", Address: "desk@example.com"}},
		Subject:  "Loaded",
		Headers:  []email.Header{{Name: "X-Tag", Value: "a"}},
		SentDate: sent,
		Content:  email.TypedContent{Payload: "hello", ContentType: "text/plain"},
	}

	if err := b.Load(src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.FromAddress(); got == nil || got.Name != "Sender" {
		t.Errorf("FromAddress: got %+v", got)
	}
	if diff := cmp.Diff(src.ReplyTo, b.ReplyTo()); diff != "" {
		t.Errorf("ReplyTo mismatch (-want +got):\n%s", diff)
	}
	if b.Subject() != "Loaded" || !b.SentDate().Equal(sent) {
		t.Errorf("Subject/SentDate: got %q/%v", b.Subject(), b.SentDate())
	}
	if b.HostName() != "smtp.example.com" {
		t.Errorf("HostName changed by Load: got %q", b.HostName())
	}
	if err := b.Build(); err != nil {
		t.Fatalf("Build after Load: %v", err)
	}
}

func TestLoad_InvalidLeavesBuilderUnchanged(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	src := &email.Message{
		From:    email.Address{Address: "new@example.com"},
		To:      []email.Address{{Address: "not valid"}},
		Subject: "Other",
	}
	if err := b.Load(src); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("error: got %v, want ErrInvalidAddress", err)
	}
	if got := b.FromAddress().Address; got != testFrom {
		t.Errorf("FromAddress: got %q, want %q", got, testFrom)
	}
	if b.Subject() != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", b.Subject(), "Test Subject")
	}
}

// fakeLibrary records deliveries without any network I/O.
type fakeLibrary struct {
	events *[]string
	sent   []*email.Message
	err    error
}

type fakeSession struct {
	lib *fakeLibrary
	cfg transport.SessionConfig
}

func (l *fakeLibrary) Name() string { return "fake" }

func (l *fakeLibrary) CreateSession(cfg transport.SessionConfig) (transport.Session, error) {
	return &fakeSession{lib: l, cfg: cfg.WithDefaults()}, nil
}

func (l *fakeLibrary) ValidateAddress(address string) (email.Address, error) {
	a, err := mail.ParseAddress(address)
	if err != nil {
		return email.Address{}, ErrInvalidAddress
	}
	return email.Address{Name: a.Name, Address: a.Address}, nil
}

func (l *fakeLibrary) AssembleMessage(s transport.Session, d transport.Draft) (*email.Message, error) {
	return d.Snapshot("<fake-id@"+s.Host()+">", email.Raw("raw")), nil
}

func (s *fakeSession) Host() string                    { return s.cfg.Host }
func (s *fakeSession) Config() transport.SessionConfig { return s.cfg }

func (s *fakeSession) Send(_ context.Context, msg *email.Message) error {
	*s.lib.events = append(*s.lib.events, "send")
	if s.lib.err != nil {
		return s.lib.err
	}
	s.lib.sent = append(s.lib.sent, msg)
	return nil
}

func newFakeBuilder(t *testing.T, events *[]string) (*Builder, *fakeLibrary) {
	t.Helper()
	lib := &fakeLibrary{events: events}
	b := New(lib)
	_ = b.SetFrom(testFrom)
	_ = b.AddTo(testTo)
	b.SetSubject("Fake")
	b.SetMsg("hi")
	return b, lib
}

func TestSend_PopBeforeSmtp(t *testing.T) {
	t.Parallel()

	var events []string
	b, lib := newFakeBuilder(t, &events)
	b.SetHostName("relay.example.com")
	b.SetPopBeforeSmtp(true, "pop.example.com", "user", "secret")

	var gotCfg pop3.Config
	b.popLogin = func(_ context.Context, cfg pop3.Config) error {
		events = append(events, "pop")
		gotCfg = cfg
		return nil
	}

	id, err := b.Send(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "fake-id@relay.example.com" {
		t.Errorf("message id: got %q, want %q", id, "fake-id@relay.example.com")
	}
	if diff := cmp.Diff([]string{"pop", "send"}, events); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
	if gotCfg.Host != "pop.example.com" || gotCfg.Username != "user" || gotCfg.Password != "secret" {
		t.Errorf("pop config: got %+v", gotCfg)
	}
	if len(lib.sent) != 1 {
		t.Errorf("sent count: got %d, want 1", len(lib.sent))
	}
}

func TestSend_WithoutPop(t *testing.T) {
	t.Parallel()

	var events []string
	b, _ := newFakeBuilder(t, &events)
	b.popLogin = func(context.Context, pop3.Config) error {
		t.Error("POP login should not run when disabled")
		return nil
	}

	if _, err := b.Send(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"send"}, events); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_PopFailureStopsDelivery(t *testing.T) {
	t.Parallel()

	var events []string
	b, lib := newFakeBuilder(t, &events)
	b.SetPopBeforeSmtp(true, "pop.example.com", "user", "wrong")
	b.popLogin = func(context.Context, pop3.Config) error {
		return pop3.ErrRejected
	}

	_, err := b.Send(context.Background())
	if !errors.Is(err, pop3.ErrRejected) {
		t.Fatalf("error: got %v, want pop3.ErrRejected", err)
	}
	if len(lib.sent) != 0 {
		t.Errorf("sent count: got %d, want 0", len(lib.sent))
	}
}

func TestSend_BuildFailure(t *testing.T) {
	t.Parallel()

	var events []string
	b := New(&fakeLibrary{events: &events})
	if _, err := b.Send(context.Background()); !errors.Is(err, ErrMessageBuild) {
		t.Fatalf("error: got %v, want ErrMessageBuild", err)
	}
	if len(events) != 0 {
		t.Errorf("events: got %v, want none", events)
	}
}

func TestSend_DeliveryError(t *testing.T) {
	t.Parallel()

	var events []string
	b, lib := newFakeBuilder(t, &events)
	lib.err = errors.New("relay refused")

	if _, err := b.Send(context.Background()); err == nil || !strings.Contains(err.Error(), "relay refused") {
		t.Fatalf("error: got %v, want relay refused", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestSetContent_ReaderReadOnce(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	if err := b.SetContent(strings.NewReader("HELLO-BODY"), "text/plain"); err != nil {
		t.Fatalf("SetContent: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if err := b.Build(); err != nil {
			t.Fatalf("build #%d: %v", i, err)
		}
		raw, err := b.MimeMessage().Bytes()
		if err != nil {
			t.Fatalf("Bytes #%d: %v", i, err)
		}
		if !strings.Contains(string(raw), "HELLO-BODY") {
			t.Errorf("build #%d: rendered message has no body:\n%s", i, raw)
		}
	}
}

func TestSetContent_ReadErrorKeepsContent(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	if err := b.SetContent(errReader{}, "text/plain"); err == nil {
		t.Fatal("expected error, got nil")
	}
	tc, ok := b.Content().(email.TypedContent)
	if !ok || tc.Payload != "test content" {
		t.Errorf("content: got %#v, want the previous body", b.Content())
	}
}

func TestSend_AfterBuildKeepsReaderBody(t *testing.T) {
	t.Parallel()

	var events []string
	b, lib := newFakeBuilder(t, &events)
	if err := b.SetContent(strings.NewReader("HELLO-BODY"), "text/plain"); err != nil {
		t.Fatalf("SetContent: %v", err)
	}

	if err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := b.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(lib.sent) != 1 {
		t.Fatalf("sent count: got %d, want 1", len(lib.sent))
	}
	_, _, body, err := lib.sent[0].Content.(email.TypedContent).Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if string(body) != "HELLO-BODY" {
		t.Errorf("delivered body: got %q, want %q", body, "HELLO-BODY")
	}
}

func TestBuild_SnapshotOwnsMultipart(t *testing.T) {
	t.Parallel()

	b := readyBuilder(t)
	mp := email.NewMultipart("mixed").AddText("text/plain", "first")
	b.SetMultipart(mp)
	if err := b.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	mp.AddText("text/html", "<p>late</p>")
	mp.Parts[0].Content[0] = 'X'

	got, ok := b.MimeMessage().Content.(*email.Multipart)
	if !ok {
		t.Fatalf("content: got %T, want *email.Multipart", b.MimeMessage().Content)
	}
	if len(got.Parts) != 1 {
		t.Fatalf("snapshot parts after caller mutation: got %d, want 1", len(got.Parts))
	}
	if string(got.Parts[0].Content) != "first" {
		t.Errorf("snapshot part: got %q, want %q", got.Parts[0].Content, "first")
	}
}
