// Package mock plays the part of a build orchestrator: it writes a
// realistic log, build after build, so the whole ingestion pipeline can be
// watched without a real build farm.
package mock

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/buildwatch/backend/internal/buildlog"
	"github.com/buildwatch/backend/internal/config"
)

// idleSteps is how many ticks pass between one build's STOP_BUILD and the
// next build.
const idleSteps = 40

var modules = []string{"Core", "Engine", "Render", "Audio", "Tools"}

// Step is one log record without its timestamp.
type Step struct {
	Kind buildlog.Kind
	Args []string
}

type Generator struct {
	path     string
	interval time.Duration
	hosts    []string
	jobs     int
	pid      int
	rng      *rand.Rand
}

func NewGenerator(path string, cfg config.MockConfig) *Generator {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = 40
	}
	return &Generator{
		path:     path,
		interval: interval,
		hosts:    hosts,
		jobs:     jobs,
		pid:      os.Getpid(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes the generated builds reproducible.
func (g *Generator) Seed(seed int64) {
	g.rng = rand.New(rand.NewSource(seed))
}

func (g *Generator) Start(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		log.Printf("mock: cannot create log directory: %v", err)
		return
	}
	log.Printf("mock: writing builds to %s every %s", g.path, g.interval)
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for build := 1; ; build++ {
		steps := g.Plan()
		// The orchestrator truncates its log when a build starts.
		f, err := os.Create(g.path)
		if err != nil {
			log.Printf("mock: %v", err)
			return
		}
		for _, s := range steps {
			select {
			case <-ctx.Done():
				f.Close()
				return
			case <-ticker.C:
			}
			if _, err := f.WriteString(Format(time.Now(), s) + "\n"); err != nil {
				log.Printf("mock: write failed: %v", err)
				f.Close()
				return
			}
		}
		f.Close()
		log.Printf("mock: build %d finished (%d records)", build, len(steps))

		for i := 0; i < idleSteps; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// Format renders s as a log line stamped with at.
func Format(at time.Time, s Step) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(buildlog.ToFiletime(at), 10))
	b.WriteByte(' ')
	b.WriteString(string(s.Kind))
	for _, a := range s.Args {
		b.WriteByte(' ')
		if a == "" || strings.ContainsAny(a, " \t") {
			b.WriteString(`"` + a + `"`)
		} else {
			b.WriteString(a)
		}
	}
	return b.String()
}

type plannedJob struct {
	host  string
	event string
}

// Plan lays out one build. Jobs are spread over the hosts, the first on the
// local host; no more than two per host run at once. One compile is raced
// by the local host while a remote worker still holds it, and every
// seventh job fails with a compiler diagnostic.
func (g *Generator) Plan() []Step {
	steps := []Step{{Kind: buildlog.KindStartBuild, Args: []string{"1", strconv.Itoa(g.pid)}}}

	local := g.hosts[0]
	raceAt := -1
	if len(g.hosts) > 1 {
		raceAt = g.jobs / 2
	}
	maxActive := 2 * len(g.hosts)

	var active []plannedJob
	finished, cacheHits := 0, 0

	finish := func() {
		j := active[0]
		active = active[1:]
		finished++

		result := "0"
		var msg string
		switch {
		case finished%7 == 0:
			result = "3"
			line := 10 + g.rng.Intn(400)
			msg = fmt.Sprintf("%s(%d): error C2065: 'count': undeclared identifier", j.event, line)
		case g.rng.Intn(3) == 0:
			result = "1"
			cacheHits++
		}
		args := []string{j.host, j.event, result}
		if msg != "" {
			args = append(args, msg)
		}
		steps = append(steps, Step{Kind: buildlog.KindFinishJob, Args: args})

		if finished%5 == 0 {
			progress := 100 * float64(finished) / float64(g.jobs)
			steps = append(steps, Step{Kind: buildlog.KindReportProgress, Args: []string{strconv.FormatFloat(progress, 'f', 1, 64)}})
		}
	}

	for i := 0; i < g.jobs; i++ {
		j := plannedJob{
			host:  g.hosts[i%len(g.hosts)],
			event: fmt.Sprintf(`C:\src\%s\Unit%02d.cpp`, modules[i%len(modules)], i),
		}
		if i == raceAt && j.host == local {
			j.host = g.hosts[1]
		}
		for len(active) >= maxActive {
			finish()
		}
		steps = append(steps, Step{Kind: buildlog.KindStartJob, Args: []string{j.host, j.event}})
		active = append(active, j)

		if i == raceAt {
			// The local start is later, so it is the one raced out when the
			// remote result arrives first.
			steps = append(steps, Step{Kind: buildlog.KindStartJob, Args: []string{local, j.event}})
			steps = append(steps, Step{Kind: buildlog.KindFinishJob, Args: []string{j.host, j.event, "0"}})
			active = active[:len(active)-1]
			finished++
		}
	}
	for len(active) > 0 {
		finish()
	}

	steps = append(steps,
		Step{Kind: buildlog.KindReportProgress, Args: []string{"100.0"}},
		Step{Kind: buildlog.KindReportCounter, Args: []string{"Cache", "Hits", "count", strconv.Itoa(cacheHits)}},
		Step{Kind: buildlog.KindReportCounter, Args: []string{"Objects", "Compiled", "count", strconv.Itoa(finished)}},
		Step{Kind: buildlog.KindStopBuild},
	)
	return steps
}
