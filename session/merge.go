package session

import "sync"

// Merge fans several channels into one. The merged channel closes once every
// input closes.
func Merge[C any](channels ...<-chan C) <-chan C {
	merged := make(chan C)

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch <-chan C) {
			defer wg.Done()
			for msg := range ch {
				merged <- msg
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged
}
