//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

func newGCSStoreFromEnv(context.Context) (Store, error) {
	return nil, errors.New("artifacts: gcs support requires a build with the gcp tag")
}
