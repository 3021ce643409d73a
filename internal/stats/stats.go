package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
	Stop()
}

// StatsUpdater maintains expvar counters behind a buffered channel so callers
// never block on metric updates.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan metricUpdate
}

type metricUpdate struct {
	name  string
	delta int64
}

func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       expvar.NewMap("drawboard-stats"),
		updateChan: make(chan metricUpdate, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

func (su *StatsUpdater) apply() {
	for u := range su.updateChan {
		metric := su.vars.Get(u.name)
		if metric == nil {
			panic("metric not found: " + u.name)
		}

		metric.(*expvar.Int).Add(u.delta)
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- metricUpdate{name: name, delta: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- metricUpdate{name: name, delta: -1}
}

// RegisterMetric must be called before the first Incr/Decr of a name.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Run() {
	go su.apply()
}

// Stop drains outstanding updates and stops the updater. No Incr/Decr may be
// issued after Stop.
func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
