package foldersync

import "sync/atomic"

type PerformanceCounterType int

const (
	EntriesWalked PerformanceCounterType = iota
	DirsScanned
	FilesHashed
	HashedBytes
	ReadBytes
	WrittenBytes
	FilesCopied
	FilesUpdated
	MetadataUpdated
	FilesDeleted
	DirsCreated
	DirsDeleted
	EntriesArchived
	ItemErrors
	maxperformancecountertype
)

type PerformanceEntry struct {
	counters [maxperformancecountertype]uint64
}

func (pe PerformanceEntry) Get(ct PerformanceCounterType) uint64 {
	return pe.counters[ct]
}

func (pe PerformanceEntry) Add(pe2 PerformanceEntry) PerformanceEntry {
	var result PerformanceEntry
	for i := range pe.counters {
		result.counters[i] = pe.counters[i] + pe2.counters[i]
	}
	return result
}

type performance struct {
	current    atomic.Pointer[PerformanceEntry]
	maxhistory int
	entries    []PerformanceEntry
}

func NewPerformance() *performance {
	p := performance{}
	p.current.Store(&PerformanceEntry{})
	p.maxhistory = 300
	return &p
}

func (p *performance) Add(ct PerformanceCounterType, v uint64) {
	if p == nil {
		return
	}
	pc := p.current.Load()
	atomic.AddUint64(&pc.counters[ct], v)
}

// NextHistory swaps in a fresh counter window and returns the finished one.
func (p *performance) NextHistory() PerformanceEntry {
	newhistory := PerformanceEntry{}
	oldhistory := p.current.Swap(&newhistory)
	if len(p.entries) >= p.maxhistory {
		copy(p.entries, p.entries[1:])
		p.entries[len(p.entries)-1] = *oldhistory
	} else {
		p.entries = append(p.entries, *oldhistory)
	}
	return *oldhistory
}
