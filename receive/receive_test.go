// ABOUTME: Tests for rule evaluation and the receiver loop: storage, filtering, routing adjustments,
// ABOUTME: quiescence completion, and the rolling rate limiter.
package receive

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dimse"
	"github.com/openimaging/dicomgate/layout"
)

func seconds(n int) *int { return &n }

func lookup(values map[string]string) TagLookup {
	return func(ref string) (string, bool) {
		v, ok := values[ref]
		return v, ok
	}
}

func TestEvalRuleOperators(t *testing.T) {
	get := lookup(map[string]string{
		"Modality":    "CT",
		"PatientAge":  "045Y",
		"StationName": "CT-SCANNER-3",
		"SliceCount":  "120",
	})
	cases := []struct {
		rule config.Rule
		want bool
	}{
		{config.Rule{Tag: "Modality", Operator: "equals", Value: "CT"}, true},
		{config.Rule{Tag: "Modality", Operator: "equals", Value: "MR"}, false},
		{config.Rule{Tag: "Modality", Operator: "not_equals", Value: "MR"}, true},
		{config.Rule{Tag: "StationName", Operator: "contains", Value: "SCANNER"}, true},
		{config.Rule{Tag: "StationName", Operator: "matches", Value: `^CT-.*-\d$`}, true},
		{config.Rule{Tag: "Modality", Operator: "in", Values: []string{"CT", "MR"}}, true},
		{config.Rule{Tag: "Modality", Operator: "not_in", Values: []string{"US", "XA"}}, true},
		{config.Rule{Tag: "Modality", Operator: "exists"}, true},
		{config.Rule{Tag: "BodyPartExamined", Operator: "exists"}, false},
		{config.Rule{Tag: "SliceCount", Operator: "range", Values: []string{"100", "200"}}, true},
		{config.Rule{Tag: "SliceCount", Operator: "range", Values: []string{"200", "300"}}, false},
		// Absent tags: not_equals and not_in match, the rest do not.
		{config.Rule{Tag: "BodyPartExamined", Operator: "not_equals", Value: "HEAD"}, true},
		{config.Rule{Tag: "BodyPartExamined", Operator: "not_in", Values: []string{"HEAD"}}, true},
		{config.Rule{Tag: "BodyPartExamined", Operator: "equals", Value: "HEAD"}, false},
	}
	for i, c := range cases {
		if got := EvalRule(c.rule, get); got != c.want {
			t.Errorf("case %d (%s %s): got %v, want %v", i, c.rule.Tag, c.rule.Operator, got, c.want)
		}
	}
}

func TestApplyFiltersFirstMatchWins(t *testing.T) {
	get := lookup(map[string]string{"Modality": "US"})
	rules := []config.Rule{
		{Tag: "Modality", Operator: "equals", Value: "US", Action: "reject"},
		{Tag: "Modality", Operator: "exists", Action: "accept"},
	}
	accept, matched := ApplyFilters(rules, get)
	if accept || matched == nil {
		t.Fatalf("expected reject by first rule, got accept=%v", accept)
	}

	accept, matched = ApplyFilters(rules, lookup(map[string]string{"Modality": "CT"}))
	if !accept || matched == nil || matched.Action != "accept" {
		t.Fatalf("expected accept by second rule")
	}

	accept, matched = ApplyFilters(nil, get)
	if !accept || matched != nil {
		t.Fatal("no rules should default to accept")
	}
}

func TestApplyRouting(t *testing.T) {
	get := lookup(map[string]string{"Modality": "MR"})
	rules := []config.Rule{
		{Tag: "Modality", Operator: "equals", Value: "MR", Action: "add_destination", Target: "mr-archive"},
		{Tag: "Modality", Operator: "equals", Value: "MR", Action: "remove_destination", Target: "spool"},
		{Tag: "Modality", Operator: "equals", Value: "CT", Action: "add_destination", Target: "ct-archive"},
	}
	add, remove := ApplyRouting(rules, get)
	if len(add) != 1 || add[0] != "mr-archive" {
		t.Errorf("add: %v", add)
	}
	if len(remove) != 1 || remove[0] != "spool" {
		t.Errorf("remove: %v", remove)
	}
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if l.Allow() {
		t.Error("limit exceeded call should be refused")
	}
}

func TestRateLimiterZeroRefusesAll(t *testing.T) {
	l := newRateLimiter(0, time.Minute)
	if l.Allow() {
		t.Error("zero limit must refuse the first call")
	}
}

func TestReceiverRateLimitZeroRejectsAssociations(t *testing.T) {
	route := config.Route{
		AETitle: "INGEST", Port: 0, Enabled: true,
		StudyTimeoutSeconds: seconds(30),
		RateLimitPerMinute:  seconds(0),
	}
	_, addr, cancel := startReceiver(t, route, nil)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := dimse.Connect(context.Background(), addr, "MODALITY1", "INGEST",
			[]string{"1.2.840.10008.5.1.4.1.1.7"}, 5*time.Second)
		if err == nil {
			t.Fatalf("association %d accepted on a zero-rate-limit route", i)
		}
	}
}

// element encodes one implicit VR LE element.
func element(group, elem uint16, value string) []byte {
	b := []byte(value)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	out := make([]byte, 8+len(b))
	binary.LittleEndian.PutUint16(out[0:2], group)
	binary.LittleEndian.PutUint16(out[2:4], elem)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(b)))
	copy(out[8:], b)
	return out
}

func instance(studyUID, sopUID, modality string) []byte {
	var d []byte
	d = append(d, element(0x0008, 0x0016, "1.2.840.10008.5.1.4.1.1.7")...)
	d = append(d, element(0x0008, 0x0018, sopUID)...)
	d = append(d, element(0x0008, 0x0060, modality)...)
	d = append(d, element(0x0020, 0x000D, studyUID)...)
	return d
}

// startReceiver runs a receiver with a short quiescence window for tests.
func startReceiver(t *testing.T, route config.Route, onComplete func(Completion)) (*Receiver, string, context.CancelFunc) {
	t.Helper()
	dirs, err := layout.NewAEDir(t.TempDir(), route.AETitle)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r, err := New(route, dirs, logger, onComplete)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	r.quiescence = 100 * time.Millisecond
	r.tick = 20 * time.Millisecond
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, r.Addr().String(), cancel
}

func sendInstance(t *testing.T, addr, calledAE string, data []byte, sopUID string) uint16 {
	t.Helper()
	client, err := dimse.Connect(context.Background(), addr, "MODALITY1", calledAE,
		[]string{"1.2.840.10008.5.1.4.1.1.7"}, 5*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Release()
	status, err := client.Store(context.Background(), &dimse.Part10File{
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		SOPInstanceUID: sopUID,
		TransferSyntax: dimse.ImplicitVRLittleEndian,
		Dataset:        data,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return status
}

func TestReceiverStoresAndCompletes(t *testing.T) {
	done := make(chan Completion, 1)
	route := config.Route{AETitle: "INGEST", Port: 0, Enabled: true, StudyTimeoutSeconds: seconds(30)}
	r, addr, cancel := startReceiver(t, route, func(c Completion) { done <- c })
	defer cancel()

	if status := sendInstance(t, addr, "INGEST", instance("1.2.3.4", "1.2.3.4.5.1", "CT"), "1.2.3.4.5.1"); status != dimse.StatusSuccess {
		t.Fatalf("store status 0x%04x", status)
	}
	if status := sendInstance(t, addr, "INGEST", instance("1.2.3.4", "1.2.3.4.5.2", "CT"), "1.2.3.4.5.2"); status != dimse.StatusSuccess {
		t.Fatalf("store status 0x%04x", status)
	}

	select {
	case c := <-done:
		if c.StudyUID != "1.2.3.4" || c.Files != 2 || c.CallingAE != "MODALITY1" {
			t.Errorf("completion: %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("quiescence completion never fired")
	}

	files, err := layout.StudyFiles(r.dirs.StudyDir(layout.StateIncoming, "1.2.3.4"))
	if err != nil || len(files) != 2 {
		t.Fatalf("incoming files: %v, %v", files, err)
	}
}

func TestReceiverFiltersInstances(t *testing.T) {
	done := make(chan Completion, 1)
	route := config.Route{
		AETitle: "INGEST", Port: 0, Enabled: true, StudyTimeoutSeconds: seconds(30),
		Filters: []config.Rule{
			{Tag: "Modality", Operator: "equals", Value: "US", Action: "reject"},
		},
	}
	r, addr, cancel := startReceiver(t, route, func(c Completion) { done <- c })
	defer cancel()

	if status := sendInstance(t, addr, "INGEST", instance("1.2.3.4", "1.2.3.4.5.1", "US"), "1.2.3.4.5.1"); status != dimse.StatusSuccess {
		t.Fatalf("filtered store should still succeed, got 0x%04x", status)
	}
	if status := sendInstance(t, addr, "INGEST", instance("1.2.3.4", "1.2.3.4.5.2", "CT"), "1.2.3.4.5.2"); status != dimse.StatusSuccess {
		t.Fatalf("store status 0x%04x", status)
	}

	select {
	case c := <-done:
		if c.Files != 1 || c.RejectedInstances != 1 {
			t.Errorf("completion: %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("completion never fired")
	}

	files, _ := layout.StudyFiles(r.dirs.StudyDir(layout.StateIncoming, "1.2.3.4"))
	if len(files) != 1 {
		t.Errorf("rejected instance reached disk: %v", files)
	}
}

func TestReceiverRoutingAdjustments(t *testing.T) {
	done := make(chan Completion, 1)
	route := config.Route{
		AETitle: "INGEST", Port: 0, Enabled: true, StudyTimeoutSeconds: seconds(30),
		RoutingRules: []config.Rule{
			{Tag: "Modality", Operator: "equals", Value: "CT", Action: "add_destination", Target: "ct-archive"},
		},
	}
	_, addr, cancel := startReceiver(t, route, func(c Completion) { done <- c })
	defer cancel()

	sendInstance(t, addr, "INGEST", instance("1.2.3.4", "1.2.3.4.5.1", "CT"), "1.2.3.4.5.1")

	select {
	case c := <-done:
		if len(c.AddedDestinations) != 1 || c.AddedDestinations[0] != "ct-archive" {
			t.Errorf("added destinations: %v", c.AddedDestinations)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("completion never fired")
	}
}

func TestReceiverValidationRefuses(t *testing.T) {
	route := config.Route{
		AETitle: "INGEST", Port: 0, Enabled: true, StudyTimeoutSeconds: seconds(30),
		ValidationRules: []config.Rule{
			{Tag: "PatientID", Operator: "exists"},
		},
	}
	_, addr, cancel := startReceiver(t, route, nil)
	defer cancel()

	// The fixture has no PatientID tag.
	status := sendInstance(t, addr, "INGEST", instance("1.2.3.4", "1.2.3.4.5.1", "CT"), "1.2.3.4.5.1")
	if status != dimse.StatusCannotUnderstand {
		t.Fatalf("expected validation refusal, got 0x%04x", status)
	}
}

func TestReceiverZeroQuiescenceCompletesAtOnce(t *testing.T) {
	done := make(chan Completion, 1)
	route := config.Route{
		AETitle: "INGEST", Port: 0, Enabled: true,
		StudyTimeoutSeconds: seconds(0),
	}
	dirs, err := layout.NewAEDir(t.TempDir(), route.AETitle)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r, err := New(route, dirs, logger, func(c Completion) { done <- c })
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	if r.quiescence != 0 {
		t.Fatalf("explicit zero quiescence became %v", r.quiescence)
	}
	r.tick = 20 * time.Millisecond
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	sendInstance(t, r.Addr().String(), "INGEST", instance("1.2.3.4", "1.2.3.4.5.1", "CT"), "1.2.3.4.5.1")

	select {
	case c := <-done:
		if c.Files != 1 {
			t.Errorf("completion: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("zero quiescence should complete on the next watchdog pass")
	}
}
