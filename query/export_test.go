package query

// LoadsInFlight reports how many deals have a snapshot read running.
func (s *Service) LoadsInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}
