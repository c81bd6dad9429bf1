package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashLocksSerializeAndCleanUp(t *testing.T) {
	l := newHashLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("h")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.size())
}

func TestCompressRoundTrip(t *testing.T) {
	data := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	c := Compress(data)
	assert.Less(t, len(c), len(data))
	out, err := Decompress(c)
	assert.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = Decompress([]byte("plain"))
	assert.Error(t, err)
}
