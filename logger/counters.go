package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type levelCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var components sync.Map // component -> *levelCounts

func countsFor(component string) *levelCounts {
	v, _ := components.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	countsFor(component).warns.Add(1)
}

func recordError(component string) {
	countsFor(component).errors.Add(1)
}

// ComponentCount is the number of warnings and errors a component has logged.
type ComponentCount struct {
	Component string
	Warns     int64
	Errors    int64
}

// Counts snapshots the warn/error counters, ordered by component.
func Counts() []ComponentCount {
	var out []ComponentCount
	components.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		out = append(out, ComponentCount{
			Component: k.(string),
			Warns:     c.warns.Load(),
			Errors:    c.errors.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
