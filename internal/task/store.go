package task

// Store owns the live task records. It is mutated only by the orchestrator
// cycle and is not safe for concurrent use.
type Store struct {
	records      map[string]*Record
	historyDepth int
}

func NewStore(historyDepth int) *Store {
	if historyDepth <= 0 {
		historyDepth = DefaultHistoryDepth
	}
	return &Store{
		records:      make(map[string]*Record),
		historyDepth: historyDepth,
	}
}

// Get returns the record for cid, nil when the task is unknown.
func (s *Store) Get(cid string) *Record {
	return s.records[cid]
}

// Ensure returns the record for cid, creating it on first sight. created
// reports whether this call created the record.
func (s *Store) Ensure(cid string) (record *Record, created bool) {
	if r, ok := s.records[cid]; ok {
		return r, false
	}
	r := NewRecord(cid, s.historyDepth)
	s.records[cid] = r
	return r, true
}

// RemoveAbsent drops records whose cid is no longer in the live set.
func (s *Store) RemoveAbsent(live map[string]struct{}) {
	for cid := range s.records {
		if _, ok := live[cid]; !ok {
			delete(s.records, cid)
		}
	}
}

// Each calls fn for every live record.
func (s *Store) Each(fn func(*Record)) {
	for _, r := range s.records {
		fn(r)
	}
}

func (s *Store) Len() int {
	return len(s.records)
}
