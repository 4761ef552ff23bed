package swcache

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

const precacheConcurrency = 4

// Install precaches the manifest. Every manifest URL is attempted; if any of
// them fails nothing is written and the worker stays uninstalled. With
// skip-waiting enabled a successful install activates immediately.
func (w *Worker) Install(ctx context.Context) error {
	w.lcMu.Lock()
	defer w.lcMu.Unlock()

	if st := w.State(); st != StateParsed {
		return errors.Newf(errors.CodeConflict, "install called in state %s", st)
	}
	w.setState(StateInstalling)
	log.Printf("install: generation=%s version=%s precache=%d", w.generation, w.cfg.Version, len(w.cfg.Precache))

	if err := w.precache(ctx); err != nil {
		w.setState(StateParsed)
		log.Printf("install: failed: %v", err)
		return err
	}
	w.setState(StateInstalled)
	log.Printf("install: done")

	if w.cfg.skipWaiting() {
		return w.activateLocked(ctx)
	}
	return nil
}

// RetryInstall keeps calling Install in the background until it succeeds,
// b gives up or the worker closes. It reports false when the worker is
// already closing.
func (w *Worker) RetryInstall(b backoff.BackOff) bool {
	ctx, cancel := context.WithCancel(context.Background())
	ok := w.waitUntil(func() {
		defer cancel()
		go func() {
			select {
			case <-w.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		op := func() error {
			err := w.Install(ctx)
			if err != nil && errors.GetCode(err) == errors.CodeConflict {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			log.Printf("install: retry in %s", next.Round(time.Millisecond))
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
			log.Printf("install: giving up: %v", err)
		}
	})
	if !ok {
		cancel()
	}
	return ok
}

// precacheTarget returns the logical partition a manifest path is served
// from at request time, falling back to the static partition for paths no
// strategy selects.
func (w *Worker) precacheTarget(p string) (string, bool) {
	if u, err := url.Parse(p); err == nil {
		req := &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
		if st, _ := w.selector.Select(req); st != nil {
			return st.Partition, true
		}
	}
	ps, ok := w.cfg.partitionByPurpose(PurposeStatic)
	return ps.Name, ok
}

func (w *Worker) precache(ctx context.Context) error {
	if len(w.cfg.Precache) == 0 {
		return nil
	}
	targets := make([]string, len(w.cfg.Precache))
	for i, p := range w.cfg.Precache {
		name, ok := w.precacheTarget(p)
		if !ok {
			return errors.Newf(errors.CodeInvalidConfig, "precache %s: no strategy selects it and no partition has purpose static", p)
		}
		targets[i] = name
	}

	entries := make([]Entry, len(w.cfg.Precache))
	var (
		mu       sync.Mutex
		failures []error
	)
	var g errgroup.Group
	g.SetLimit(precacheConcurrency)
	for i, p := range w.cfg.Precache {
		g.Go(func() error {
			ent, err := w.fetch(ctx, w.outboundPath(p, ""))
			if err == nil && !isStorable(ent.Status) {
				err = errors.Newf(errors.CodeNetwork, "%s: unexpected status %d", p, ent.Status)
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			// Precached entries are shared; a cookie set for the installer
			// belongs to nobody.
			ent.Header.Del("Set-Cookie")
			entries[i] = ent
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		for _, err := range failures {
			log.Printf("install: precache: %v", err)
		}
		return errors.WrapWithContext(stderrors.Join(failures...), errors.CodeExecutionFailed, "precache failed", map[string]interface{}{
			"failed": len(failures),
			"total":  len(w.cfg.Precache),
		})
	}

	parts := map[string]*Partition{}
	for i, p := range w.cfg.Precache {
		part, ok := parts[targets[i]]
		if !ok {
			var err error
			part, err = w.registry.Open(w.cfg.PartitionName(targets[i]))
			if err != nil {
				return errors.Wrapf(err, errors.CodeExecutionFailed, "open partition %s", targets[i])
			}
			parts[targets[i]] = part
		}
		if _, err := part.Put(pathKey(p), entries[i]); err != nil {
			return errors.Wrapf(err, errors.CodeExecutionFailed, "store precached %s", p)
		}
	}
	return nil
}

func pathKey(p string) string {
	u, err := url.Parse(p)
	if err != nil {
		return "GET " + p
	}
	return requestKey(u)
}

// Activate removes partitions from other generations, makes sure every
// partition of this one exists and starts intercepting requests.
func (w *Worker) Activate(ctx context.Context) error {
	w.lcMu.Lock()
	defer w.lcMu.Unlock()
	return w.activateLocked(ctx)
}

func (w *Worker) activateLocked(ctx context.Context) error {
	switch st := w.State(); st {
	case StateActivated:
		return nil
	case StateInstalled:
	default:
		return errors.Newf(errors.CodeConflict, "activate called in state %s", st)
	}
	w.setState(StateActivating)

	deleted := 0
	for _, name := range w.registry.Names() {
		if w.cfg.IsCurrent(name) {
			continue
		}
		if ctx.Err() != nil {
			log.Printf("activate: cleanup interrupted: %v", ctx.Err())
			break
		}
		if _, err := w.registry.Delete(name); err != nil {
			log.Printf("activate: delete %s: %v", name, err)
			continue
		}
		deleted++
	}
	for _, p := range w.cfg.Partitions {
		if _, err := w.registry.Open(w.cfg.PartitionName(p.Name)); err != nil {
			log.Printf("activate: open %s: %v", p.Name, err)
		}
	}

	w.setState(StateActivated)
	log.Printf("activate: generation=%s version=%s removed=%d partitions", w.generation, w.cfg.Version, deleted)

	w.armSweep()
	w.startWarmup()
	return nil
}

// armSweep starts the periodic sweep once per worker. The last sweep time is
// read from the registry, so an overdue sweep runs right away after a restart.
func (w *Worker) armSweep() {
	every := w.cfg.sweepEvery
	if every <= 0 {
		return
	}
	w.sweepOnce.Do(func() {
		w.waitUntil(func() { w.sweepLoop(every) })
	})
}

func (w *Worker) sweepLoop(every time.Duration) {
	delay := time.Duration(0)
	if last, ok := w.registry.LastSweep(); ok {
		if since := w.now().Sub(last); since < every {
			delay = every - since
		}
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.Sweep()
			t.Reset(every)
		}
	}
}

// Sweep deletes entries older than their partition's sweep max-age from the
// current generation and returns how many were removed. Failures are logged
// per partition.
func (w *Worker) Sweep() int {
	now := w.now()
	total := 0
	for _, p := range w.cfg.Partitions {
		if p.sweepMaxAge <= 0 {
			continue
		}
		name := w.cfg.PartitionName(p.Name)
		part, ok := w.registry.Lookup(name)
		if !ok {
			continue
		}
		n, err := part.Sweep(p.sweepMaxAge, now)
		if err != nil {
			log.Printf("sweep: %s: %v", name, err)
			continue
		}
		total += n
	}
	if err := w.registry.SetLastSweep(now); err != nil {
		log.Printf("sweep: %v", err)
	}
	log.Printf("sweep: removed=%d", total)
	return total
}
