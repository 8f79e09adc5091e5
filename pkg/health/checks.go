// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/stream"
)

// BackendCheck reports the backend healthy when it can complete a List.
func BackendCheck(b backend.Backend) CheckFunc {
	return func(ctx context.Context) error {
		return stream.ForEach(ctx, b.List(ctx, backend.Query{}), func(string) error {
			return nil
		})
	}
}
