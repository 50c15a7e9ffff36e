// ABOUTME: Per-route study receiver: listens for associations, writes instances into incoming/<study_uid>/,
// ABOUTME: and promotes studies to the scheduler once the quiescence window passes with no new instances.
package receive

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dcm"
	"github.com/openimaging/dicomgate/dimse"
	"github.com/openimaging/dicomgate/layout"
)

// Completion is emitted when a study's quiescence window elapses.
type Completion struct {
	AETitle             string
	StudyUID            string
	CallingAE           string
	Files               int
	RejectedInstances   int
	AddedDestinations   []string
	RemovedDestinations []string
}

// studyState tracks one study still assembling in incoming/.
type studyState struct {
	lastSeen  time.Time
	callingAE string
	files     int
	rejected  int
	added     map[string]bool
	removed   map[string]bool
}

// Receiver is one route's listener plus its completion watchdog.
type Receiver struct {
	route      config.Route
	dirs       *layout.AEDir
	logger     *slog.Logger
	onComplete func(Completion)
	quiescence time.Duration
	tick       time.Duration

	limiter *rateLimiter
	ln      net.Listener

	mu      sync.Mutex
	studies map[string]*studyState

	// ruleTags caches the uint32 scan keys for every tag the route's rules touch.
	ruleTags map[uint32]bool
	ruleRefs map[string]uint32
}

// New builds a receiver for one enabled route. Call Listen before Run.
func New(route config.Route, dirs *layout.AEDir, logger *slog.Logger, onComplete func(Completion)) (*Receiver, error) {
	quiescence := route.StudyTimeout()
	if quiescence < 0 {
		quiescence = 0
	}
	r := &Receiver{
		route:      route,
		dirs:       dirs,
		logger:     logger,
		onComplete: onComplete,
		quiescence: quiescence,
		tick:       time.Second,
		studies:    map[string]*studyState{},
		ruleTags: map[uint32]bool{
			dimse.TagStudyInstanceUID: true,
			dimse.TagSOPInstanceUID:   true,
		},
		ruleRefs: map[string]uint32{},
	}
	// A limit of zero is a closed route: every association is refused.
	// Only a nil (unset) limit means unlimited.
	if route.RateLimitPerMinute != nil {
		r.limiter = newRateLimiter(*route.RateLimitPerMinute, time.Minute)
	}

	for _, rules := range [][]config.Rule{route.Filters, route.RoutingRules, route.ValidationRules} {
		for _, rule := range rules {
			t, err := dcm.TagByKeyword(rule.Tag)
			if err != nil {
				return nil, fmt.Errorf("route %s: rule tag: %w", route.AETitle, err)
			}
			key := uint32(t.Group)<<16 | uint32(t.Element)
			r.ruleTags[key] = true
			r.ruleRefs[rule.Tag] = key
		}
	}
	return r, nil
}

// Listen binds the route's TCP port. A bind failure here maps to exit code 2
// at startup.
func (r *Receiver) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.route.Port))
	if err != nil {
		return fmt.Errorf("bind port %d for %s: %w", r.route.Port, r.route.AETitle, err)
	}
	r.ln = ln
	return nil
}

// Addr returns the bound listener address.
func (r *Receiver) Addr() net.Addr {
	return r.ln.Addr()
}

// Run serves associations and runs the completion watchdog until ctx ends.
func (r *Receiver) Run(ctx context.Context) error {
	if r.ln == nil {
		return fmt.Errorf("receiver %s not listening", r.route.AETitle)
	}

	acceptor := &dimse.Acceptor{
		AETitle:           r.route.AETitle,
		StorageSOPClasses: dimse.DefaultStorageSOPClasses,
		Callbacks: dimse.AcceptorCallbacks{
			OnAssociate: r.onAssociate,
			OnStore:     r.onStore,
		},
	}

	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watchdog(ctx)
	}()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept on %s: %w", r.route.AETitle, err)
		}
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()
			if err := acceptor.ServeConn(ctx, conn); err != nil && ctx.Err() == nil {
				r.logger.Debug("association ended with error",
					"ae", r.route.AETitle, "remote", conn.RemoteAddr().String(), "error", err)
			}
		}(conn)
	}
}

// onAssociate vetoes associations past the route's rate limit.
func (r *Receiver) onAssociate(callingAE string) (bool, byte) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.logger.Warn("association rate-limited", "ae", r.route.AETitle, "calling", callingAE)
		return false, dimse.RejectNoReasonGiven
	}
	return true, 0
}

// onStore handles one received instance: validate, filter, write, track.
func (r *Receiver) onStore(req *dimse.StoreRequest) uint16 {
	found := dimse.ScanDataset(req.Data, req.TransferSyntax, r.ruleTags)
	studyUID := found[dimse.TagStudyInstanceUID]
	if studyUID == "" {
		r.logger.Warn("instance without study uid refused",
			"ae", r.route.AETitle, "calling", req.CallingAE, "sop", req.SOPInstanceUID)
		return dimse.StatusCannotUnderstand
	}

	get := func(ref string) (string, bool) {
		key, ok := r.ruleRefs[ref]
		if !ok {
			return "", false
		}
		v, ok := found[key]
		return v, ok
	}

	if ok, failed := Validate(r.route.ValidationRules, get); !ok {
		r.logger.Warn("instance failed validation",
			"ae", r.route.AETitle, "study", studyUID, "tag", failed.Tag, "operator", failed.Operator)
		return dimse.StatusCannotUnderstand
	}

	if accept, matched := ApplyFilters(r.route.Filters, get); !accept {
		// Rejected instances are recorded but never hit the disk. The store
		// still succeeds so the peer does not retry the instance forever.
		r.trackRejected(studyUID, req.CallingAE)
		r.logger.Info("instance filtered",
			"ae", r.route.AETitle, "study", studyUID, "tag", matched.Tag)
		return dimse.StatusSuccess
	}

	dir := r.dirs.StudyDir(layout.StateIncoming, studyUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Error("create study dir", "study", studyUID, "error", err)
		return dimse.StatusOutOfResources
	}
	path := filepath.Join(dir, req.SOPInstanceUID+".dcm")
	if err := dimse.WritePart10(path, &dimse.Part10File{
		SOPClassUID:    req.SOPClassUID,
		SOPInstanceUID: req.SOPInstanceUID,
		TransferSyntax: req.TransferSyntax,
		Dataset:        req.Data,
	}); err != nil {
		r.logger.Error("write instance", "study", studyUID, "sop", req.SOPInstanceUID, "error", err)
		return dimse.StatusOutOfResources
	}

	add, remove := ApplyRouting(r.route.RoutingRules, get)
	r.trackStored(studyUID, req.CallingAE, add, remove)
	return dimse.StatusSuccess
}

// trackStored updates assembly state after a successful write.
func (r *Receiver) trackStored(studyUID, callingAE string, add, remove []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.studyLocked(studyUID, callingAE)
	st.lastSeen = time.Now()
	st.files++
	for _, d := range add {
		st.added[d] = true
	}
	for _, d := range remove {
		st.removed[d] = true
	}
}

// trackRejected notes a filtered instance without writing it.
func (r *Receiver) trackRejected(studyUID, callingAE string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.studyLocked(studyUID, callingAE)
	st.lastSeen = time.Now()
	st.rejected++
}

func (r *Receiver) studyLocked(studyUID, callingAE string) *studyState {
	st := r.studies[studyUID]
	if st == nil {
		st = &studyState{
			callingAE: callingAE,
			added:     map[string]bool{},
			removed:   map[string]bool{},
		}
		r.studies[studyUID] = st
	}
	return st
}

// watchdog promotes quiescent studies. Quiescence survives association close:
// only the time since the last instance matters.
func (r *Receiver) watchdog(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.promoteQuiescent()
		}
	}
}

// promoteQuiescent emits completions for studies idle past the window.
func (r *Receiver) promoteQuiescent() {
	now := time.Now()
	var done []Completion

	r.mu.Lock()
	for uid, st := range r.studies {
		if now.Sub(st.lastSeen) < r.quiescence {
			continue
		}
		c := Completion{
			AETitle:           r.route.AETitle,
			StudyUID:          uid,
			CallingAE:         st.callingAE,
			Files:             st.files,
			RejectedInstances: st.rejected,
		}
		for d := range st.added {
			c.AddedDestinations = append(c.AddedDestinations, d)
		}
		for d := range st.removed {
			c.RemovedDestinations = append(c.RemovedDestinations, d)
		}
		done = append(done, c)
		delete(r.studies, uid)
	}
	r.mu.Unlock()

	for _, c := range done {
		if c.Files == 0 {
			// Every instance was filtered; nothing on disk to schedule.
			r.logger.Info("study fully filtered", "ae", c.AETitle, "study", c.StudyUID,
				"rejected", c.RejectedInstances)
			continue
		}
		r.logger.Info("study complete", "ae", c.AETitle, "study", c.StudyUID,
			"files", c.Files, "calling", c.CallingAE)
		if r.onComplete != nil {
			r.onComplete(c)
		}
	}
}

// rateLimiter is a rolling-window counter.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

// Allow records an event if the rolling window has room.
func (l *rateLimiter) Allow() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
