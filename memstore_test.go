package pawchat_test

import (
	"testing"
	"time"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) storetest.Backend {
		return pawchat.NewMemoryStore(pawchat.WithClock(now))
	})
}
