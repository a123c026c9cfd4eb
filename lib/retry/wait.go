/*
Copyright 2025 querykit Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retry

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/brainewave/querykit/lib/qerrors"
)

// Wait blocks for d on clock, unless ctx is cancelled first, in which
// case it returns a Cancelled engine error without having consumed the
// wait (spec §4.4: "A user-provided AbortSignal aborts ... the waiting
// period; aborted retries raise Aborted without further attempts").
func Wait(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return qerrors.New(qerrors.Cancelled, trace.Wrap(ctx.Err()), "", 0)
		default:
			return nil
		}
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return qerrors.New(qerrors.Cancelled, trace.Wrap(ctx.Err()), "", 0)
	}
}
