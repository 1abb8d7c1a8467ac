package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AGRINOVA_TEST_MODE") == "" {
			_ = os.Setenv("AGRINOVA_TEST_MODE", "1")
		}
	})
}
