package service

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/intake-station/internal/domain/model"
	"github.com/arturkryukov/artsore/intake-station/internal/imaging"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/artifact"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/index"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/ledger"
	"github.com/arturkryukov/artsore/intake-station/internal/storage/wal"
)

const testPrefix = "SPXID06"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier запоминает решения.
type recordingNotifier struct {
	mu        sync.Mutex
	decisions []model.Decision
}

func (n *recordingNotifier) Notify(d model.Decision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, d)
}

func (n *recordingNotifier) kinds() []model.DecisionKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]model.DecisionKind, 0, len(n.decisions))
	for _, d := range n.decisions {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

// failingLedger — журнал, запись в который завершается ошибкой.
type failingLedger struct {
	*ledger.Store
	fail bool
}

func (l *failingLedger) Append(day, code string, ts time.Time) error {
	if l.fail {
		return errors.New("диск заполнен")
	}
	return l.Store.Append(day, code, ts)
}

// failingSaver — ArtifactSaver, всегда возвращающий ошибку.
type failingSaver struct{}

func (failingSaver) Save(ArtifactRequest) (string, error) {
	return "", ErrArtifactWrite
}

// testEnv — директории и компоненты движка во временной директории.
type testEnv struct {
	root     string
	ledger   *ledger.Store
	images   *artifact.Store
	wal      *wal.WAL
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := discardLogger()

	images, err := artifact.New(filepath.Join(root, "images"))
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	w, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	return &testEnv{
		root:     root,
		ledger:   ledger.New(filepath.Join(root, "data"), time.UTC, logger),
		images:   images,
		wal:      w,
		notifier: &recordingNotifier{},
	}
}

func (env *testEnv) writer(t *testing.T) *ArtifactWriter {
	t.Helper()
	ann, err := imaging.NewAnnotator("", 0)
	if err != nil {
		t.Fatalf("NewAnnotator: %v", err)
	}
	return NewArtifactWriter(env.images, ann, imaging.FormatPNG, time.UTC, discardLogger())
}

// engine создаёт и гидратирует движок поверх env.
func (env *testEnv) engine(t *testing.T, store LedgerStore, saver ArtifactSaver) *Engine {
	t.Helper()
	if store == nil {
		store = env.ledger
	}
	if saver == nil {
		saver = env.writer(t)
	}
	e := NewEngine(EngineConfig{
		ValidPrefix: testPrefix,
		Location:    time.UTC,
		Geo:         &model.GeoPoint{Lat: 24.8607, Lon: 67.0011, Source: "fallback"},
	}, store, index.New(discardLogger()), saver, env.wal, env.notifier, discardLogger())
	if err := e.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	return e
}

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func at(day, clock string) time.Time {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", day+" "+clock, time.UTC)
	if err != nil {
		panic(err)
	}
	return ts
}

func decide(t *testing.T, e *Engine, code string, now time.Time) model.Decision {
	t.Helper()
	d, err := e.Decide(context.Background(), model.Detection{
		Code:      code,
		Box:       image.Rect(100, 100, 200, 160),
		Symbology: "QRCODE",
	}, now, testFrame())
	if err != nil {
		t.Fatalf("Decide(%s): неожиданная ошибка: %v", code, err)
	}
	return d
}

func TestEngine_Scenario(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)

	first := at("2024-01-01", "10:00:00")
	d := decide(t, e, "SPXID06AAA", first)
	if d.Kind != model.DecisionAccepted {
		t.Fatalf("SPXID06AAA: ожидалось accepted, получено %s", d.Kind)
	}
	if d.Day != "2024-01-01" {
		t.Errorf("Day: ожидалось 2024-01-01, получено %s", d.Day)
	}
	if d.ArtifactErr != nil {
		t.Errorf("ArtifactErr: неожиданная ошибка %v", d.ArtifactErr)
	}

	d = decide(t, e, "SPXID06AAA", at("2024-01-01", "10:05:00"))
	if d.Kind != model.DecisionRejectedDuplicate {
		t.Fatalf("повтор: ожидалось rejected_duplicate, получено %s", d.Kind)
	}
	if !d.FirstSeen.Equal(first) {
		t.Errorf("FirstSeen: ожидалось %v, получено %v", first, d.FirstSeen)
	}

	d = decide(t, e, "BAD123", at("2024-01-01", "10:06:00"))
	if d.Kind != model.DecisionRejectedInvalidPrefix {
		t.Fatalf("BAD123: ожидалось rejected_invalid_prefix, получено %s", d.Kind)
	}

	d = decide(t, e, "SPXID06BBB", at("2024-01-02", "00:01:00"))
	if d.Kind != model.DecisionAccepted || d.Day != "2024-01-02" {
		t.Fatalf("SPXID06BBB: ожидалось accepted в 2024-01-02, получено %s в %s", d.Kind, d.Day)
	}

	day1, err := env.ledger.ReadPartition("2024-01-01")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(day1.Records) != 1 || day1.Records[0].Code != "SPXID06AAA" {
		t.Errorf("партиция 2024-01-01: ожидалась одна строка SPXID06AAA, получено %+v", day1.Records)
	}
	day2, err := env.ledger.ReadPartition("2024-01-02")
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(day2.Records) != 1 || day2.Records[0].Code != "SPXID06BBB" {
		t.Errorf("партиция 2024-01-02: ожидалась одна строка SPXID06BBB, получено %+v", day2.Records)
	}

	if !strings.HasPrefix(d.ArtifactPath, filepath.Join(env.images.Root(), "2024-01-02")) {
		t.Errorf("изображение вне директории дня: %s", d.ArtifactPath)
	}
	if filepath.Base(d.ArtifactPath) != "SPXID06BBB_000100.png" {
		t.Errorf("имя изображения: получено %s", filepath.Base(d.ArtifactPath))
	}
	if _, err := os.Stat(d.ArtifactPath); err != nil {
		t.Errorf("изображение не найдено: %v", err)
	}

	want := []model.DecisionKind{
		model.DecisionAccepted,
		model.DecisionRejectedDuplicate,
		model.DecisionRejectedInvalidPrefix,
		model.DecisionAccepted,
	}
	got := env.notifier.kinds()
	if len(got) != len(want) {
		t.Fatalf("уведомления: ожидалось %d, получено %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("уведомление %d: ожидалось %s, получено %s", i, want[i], got[i])
		}
	}
}

func TestEngine_InvalidPrefixTouchesNothing(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)

	for _, code := range []string{"", "BAD123", "spxid06AAA", " SPXID06AAA", "SPXID0"} {
		d := decide(t, e, code, at("2024-01-01", "10:00:00"))
		if d.Kind != model.DecisionRejectedInvalidPrefix {
			t.Errorf("%q: ожидалось rejected_invalid_prefix, получено %s", code, d.Kind)
		}
	}

	days, err := env.ledger.ListPartitions()
	if err != nil {
		t.Fatalf("ListPartitions: %v", err)
	}
	if len(days) != 0 {
		t.Errorf("ожидалось 0 партиций, получено %v", days)
	}
	if e.KnownCodes() != 0 {
		t.Errorf("индекс: ожидалось 0 кодов, получено %d", e.KnownCodes())
	}
}

func TestEngine_LedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	store := &failingLedger{Store: env.ledger, fail: true}
	e := env.engine(t, store, nil)

	d, err := e.Decide(context.Background(), model.Detection{Code: "SPXID06AAA"}, at("2024-01-01", "10:00:00"), nil)
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("ожидалась ErrLedgerWrite, получено %v", err)
	}
	if d.Accepted() {
		t.Error("код не должен считаться принятым")
	}
	if e.KnownCodes() != 0 {
		t.Errorf("индекс изменён при ошибке журнала: %d кодов", e.KnownCodes())
	}
	if len(env.notifier.kinds()) != 0 {
		t.Error("уведомление не должно отправляться при ошибке журнала")
	}

	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("WAL: ожидалось 0 pending транзакций, получено %d", len(pending))
	}

	// После восстановления диска тот же код принимается
	store.fail = false
	d = decide(t, e, "SPXID06AAA", at("2024-01-01", "10:01:00"))
	if !d.Accepted() {
		t.Errorf("повторная попытка: ожидалось accepted, получено %s", d.Kind)
	}
}

func TestEngine_ArtifactFailureIsWarning(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, failingSaver{})

	d := decide(t, e, "SPXID06AAA", at("2024-01-01", "10:00:00"))
	if !d.Accepted() {
		t.Fatalf("ожидалось accepted, получено %s", d.Kind)
	}
	if !errors.Is(d.ArtifactErr, ErrArtifactWrite) {
		t.Errorf("ArtifactErr: ожидалась ErrArtifactWrite, получено %v", d.ArtifactErr)
	}

	d = decide(t, e, "SPXID06AAA", at("2024-01-01", "10:00:05"))
	if d.Kind != model.DecisionRejectedDuplicate {
		t.Errorf("после сбоя изображения код должен быть израсходован, получено %s", d.Kind)
	}
}

func TestEngine_DecideFrame(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)

	dets := []model.Detection{
		{Code: "SPXID06AAA", Box: image.Rect(10, 60, 90, 120), Symbology: "QRCODE"},
		{Code: "XYZ", Box: image.Rect(100, 60, 150, 120), Symbology: "CODE128"},
		{Code: "SPXID06AAA", Box: image.Rect(160, 60, 240, 120), Symbology: "QRCODE"},
		{Code: "SPXID06CCC", Box: image.Rect(250, 60, 300, 120), Symbology: "QRCODE"},
	}
	outcomes := e.DecideFrame(context.Background(), testFrame(), dets, at("2024-01-01", "12:00:00"))

	want := []model.DecisionKind{
		model.DecisionAccepted,
		model.DecisionRejectedInvalidPrefix,
		model.DecisionRejectedDuplicate,
		model.DecisionAccepted,
	}
	if len(outcomes) != len(want) {
		t.Fatalf("ожидалось %d результатов, получено %d", len(want), len(outcomes))
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Errorf("результат %d: неожиданная ошибка %v", i, o.Err)
		}
		if o.Decision.Kind != want[i] {
			t.Errorf("результат %d: ожидалось %s, получено %s", i, want[i], o.Decision.Kind)
		}
	}

	// Два кода в одну секунду не перезаписывают изображения друг друга
	if outcomes[0].Decision.ArtifactPath == outcomes[3].Decision.ArtifactPath {
		t.Error("изображения разных кодов имеют одинаковый путь")
	}
}

func TestEngine_DecideFrameContinuesAfterLedgerError(t *testing.T) {
	env := newTestEnv(t)
	store := &failingLedger{Store: env.ledger, fail: true}
	e := env.engine(t, store, nil)

	outcomes := e.DecideFrame(context.Background(), nil, []model.Detection{
		{Code: "SPXID06AAA"},
		{Code: "BAD"},
	}, at("2024-01-01", "12:00:00"))

	if !errors.Is(outcomes[0].Err, ErrLedgerWrite) {
		t.Errorf("первый код: ожидалась ErrLedgerWrite, получено %v", outcomes[0].Err)
	}
	if outcomes[1].Err != nil || outcomes[1].Decision.Kind != model.DecisionRejectedInvalidPrefix {
		t.Errorf("второй код: ожидалось rejected_invalid_prefix, получено %s (%v)",
			outcomes[1].Decision.Kind, outcomes[1].Err)
	}
}

func TestEngine_RestartKeepsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)

	first := at("2024-01-01", "10:00:00")
	codes := []string{"SPXID06AAA", "SPXID06BBB", "SPXID06CCC"}
	for i, code := range codes {
		decide(t, e, code, first.Add(time.Duration(i)*time.Minute))
	}
	e.Close()

	restarted := env.engine(t, nil, nil)
	if restarted.KnownCodes() != len(codes) {
		t.Fatalf("после рестарта: ожидалось %d кодов, получено %d", len(codes), restarted.KnownCodes())
	}
	d := decide(t, restarted, "SPXID06AAA", at("2024-03-15", "08:00:00"))
	if d.Kind != model.DecisionRejectedDuplicate {
		t.Fatalf("ожидалось rejected_duplicate, получено %s", d.Kind)
	}
	if !d.FirstSeen.Equal(first) {
		t.Errorf("FirstSeen: ожидалось %v, получено %v", first, d.FirstSeen)
	}
}

func TestEngine_WhitespaceVariantsAreOneCode(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)
	day := "2024-01-01"

	if d := decide(t, e, "SPXID06AAA", at(day, "10:00:00")); d.Kind != model.DecisionAccepted {
		t.Fatalf("SPXID06AAA: ожидалось accepted, получено %s", d.Kind)
	}
	for _, variant := range []string{"SPXID06AAA ", "SPXID06AAA\t", " SPXID06AAA\r\n"} {
		d := decide(t, e, variant, at(day, "10:01:00"))
		if d.Kind != model.DecisionRejectedDuplicate {
			t.Errorf("%q: ожидалось rejected_duplicate, получено %s", variant, d.Kind)
		}
		if d.Code != "SPXID06AAA" {
			t.Errorf("%q: код в решении %q, ожидался канонический", variant, d.Code)
		}
	}
	for _, bad := range []string{"SPXID06B\r\nBB", "SPXID06\x00CCC"} {
		if d := decide(t, e, bad, at(day, "10:02:00")); d.Kind != model.DecisionRejectedInvalidPrefix {
			t.Errorf("%q: ожидалось rejected_invalid_prefix, получено %s", bad, d.Kind)
		}
	}
	e.Close()

	p, err := env.ledger.ReadPartition(day)
	if err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	if len(p.Records) != 1 || p.Records[0].Code != "SPXID06AAA" {
		t.Fatalf("ожидалась одна строка SPXID06AAA, получено %+v", p.Records)
	}

	restarted := env.engine(t, nil, nil)
	if restarted.KnownCodes() != 1 {
		t.Fatalf("после рестарта: ожидался 1 код, получено %d", restarted.KnownCodes())
	}
	if d := decide(t, restarted, "SPXID06AAA ", at(day, "11:00:00")); d.Kind != model.DecisionRejectedDuplicate {
		t.Errorf("после рестарта: ожидалось rejected_duplicate, получено %s", d.Kind)
	}
}

func TestEngine_HydrateSkipsMalformedRows(t *testing.T) {
	env := newTestEnv(t)
	if err := os.MkdirAll(env.ledger.Root(), 0o750); err != nil {
		t.Fatal(err)
	}
	content := "SPXID06AAA,2024-01-01T10:00:00Z\n" +
		"broken-row-without-timestamp\n" +
		"SPXID06BBB,2024-01-01T10:01:00\n"
	if err := os.WriteFile(env.ledger.PartitionPath("2024-01-01"), []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	e := env.engine(t, nil, nil)
	if e.KnownCodes() != 2 {
		t.Errorf("ожидалось 2 кода, получено %d", e.KnownCodes())
	}
}

func TestEngine_HydrateFailsOnBrokenRoot(t *testing.T) {
	env := newTestEnv(t)
	file := filepath.Join(env.root, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(EngineConfig{ValidPrefix: testPrefix}, ledger.New(file, time.UTC, discardLogger()),
		index.New(discardLogger()), nil, nil, nil, discardLogger())
	if err := e.Hydrate(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка для корня журнала, не являющегося директорией")
	}

	_, err := e.Decide(context.Background(), model.Detection{Code: "SPXID06AAA"}, time.Now(), nil)
	if !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("ожидалась ErrEngineNotReady, получено %v", err)
	}
}

func TestEngine_HydrateRecoversWAL(t *testing.T) {
	env := newTestEnv(t)

	// Сбой после записи строки журнала
	ts := at("2024-01-01", "10:00:00")
	if _, err := env.wal.StartAccept("SPXID06AAA", "2024-01-01", ts); err != nil {
		t.Fatal(err)
	}
	if err := env.ledger.Append("2024-01-01", "SPXID06AAA", ts); err != nil {
		t.Fatal(err)
	}
	// Сбой до записи строки журнала
	if _, err := env.wal.StartAccept("SPXID06BBB", "2024-01-01", ts); err != nil {
		t.Fatal(err)
	}

	e := env.engine(t, nil, nil)

	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ожидалось 0 pending транзакций, получено %d", len(pending))
	}
	entries, _ := filepath.Glob(filepath.Join(env.wal.Dir(), "*.wal.json"))
	if len(entries) != 0 {
		t.Errorf("завершённые транзакции не очищены: %v", entries)
	}

	if d := decide(t, e, "SPXID06AAA", ts.Add(time.Hour)); d.Kind != model.DecisionRejectedDuplicate {
		t.Errorf("SPXID06AAA: ожидалось rejected_duplicate, получено %s", d.Kind)
	}
	if d := decide(t, e, "SPXID06BBB", ts.Add(time.Hour)); d.Kind != model.DecisionAccepted {
		t.Errorf("SPXID06BBB: ожидалось accepted, получено %s", d.Kind)
	}
}

func TestEngine_ManualEntryWithoutFrame(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)

	d, err := e.Decide(context.Background(), model.Detection{Code: "SPXID06MAN"}, at("2024-01-01", "09:30:15"), nil)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !d.Accepted() || d.ArtifactErr != nil {
		t.Fatalf("ожидалось accepted без предупреждения, получено %s (%v)", d.Kind, d.ArtifactErr)
	}

	meta, err := env.images.ReadMetadata("2024-01-01", filepath.Base(d.ArtifactPath))
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Code != "SPXID06MAN" || meta.Geo == nil {
		t.Errorf("метаданные: получено %+v", meta)
	}
}

func TestEngine_Closed(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)
	e.Close()

	if e.Ready() {
		t.Error("Ready: ожидалось false после Close")
	}
	_, err := e.Decide(context.Background(), model.Detection{Code: "SPXID06AAA"}, time.Now(), nil)
	if !errors.Is(err, ErrEngineClosed) {
		t.Errorf("ожидалась ErrEngineClosed, получено %v", err)
	}
}

func TestEngine_ConcurrentDecideAcceptsOnce(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine(t, nil, nil)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	now := at("2024-01-01", "10:00:00")
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Decide(context.Background(), model.Detection{Code: "SPXID06RACE"}, now, nil)
			if err != nil {
				t.Errorf("неожиданная ошибка: %v", err)
				return
			}
			if d.Accepted() {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("ожидалось ровно одно принятие, получено %d", accepted)
	}
	p, err := env.ledger.ReadPartition("2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Records) != 1 {
		t.Errorf("ожидалась одна строка журнала, получено %d", len(p.Records))
	}
}
