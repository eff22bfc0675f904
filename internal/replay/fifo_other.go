//go:build !unix

package replay

import (
	"context"
	"fmt"
	"os"
)

func openFIFO(_ context.Context, path string) (*os.File, error) {
	return nil, fmt.Errorf("fifo dumps are not supported on this platform")
}
