// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package lockpolicy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poison() error {
	panic("writer panicked mid-update")
}

func TestGuard_OrdinaryErrorPassesThrough(t *testing.T) {
	m := NewMetrics()
	err := Guard("agents", AlwaysFail{}, m, true, func() error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())

	snap := m.Snapshot()
	assert.Zero(t, snap.TotalPoisoned)
}

func TestGuard_AlwaysFailReturnsPoisonedError(t *testing.T) {
	m := NewMetrics()
	err := Guard("providers", AlwaysFail{}, m, false, poison)

	var pe *PoisonedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "providers", pe.LockName)
	assert.Equal(t, 1, pe.Attempt)

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.TotalPoisoned)
	assert.EqualValues(t, 1, snap.Failures)
	assert.EqualValues(t, 0, snap.Recoveries)
	assert.EqualValues(t, 1, snap.ReadPoisoned)
}

func TestGuard_RecoverWithLimitStopsAtN(t *testing.T) {
	m := NewMetrics()
	attempts := 0
	err := Guard("evaluators", RecoverWithLimit{N: 2}, m, true, func() error {
		attempts++
		panic("boom")
	})

	var pe *PoisonedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, attempts) // 2 recovered, 3rd fails
	assert.Equal(t, 3, pe.Attempt)

	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap.TotalPoisoned)
	assert.EqualValues(t, 2, snap.Recoveries)
	assert.EqualValues(t, 1, snap.Failures)
}

func TestGuard_RecoverWithBackoffCapsDuration(t *testing.T) {
	s := RecoverWithBackoff{N: 10, Initial: time.Millisecond}
	_, b1 := s.Decide("x", 1)
	_, b5 := s.Decide("x", 5)
	_, b20 := s.Decide("x", 20) // beyond N, should not recover
	recover20, _ := s.Decide("x", 20)

	assert.Equal(t, time.Millisecond, b1)
	assert.Equal(t, 16*time.Millisecond, b5)
	assert.False(t, recover20)
	assert.LessOrEqual(t, b20, 1024*time.Millisecond)
}

func TestGetLockHealthStatus(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 3; i++ {
		_ = Guard("hot-lock", RecoverWithLimit{N: 10}, m, true, poison)
	}
	_ = Guard("cold-lock", RecoverWithLimit{N: 10}, m, false, poison)

	healthy, worst := m.GetLockHealthStatus()
	assert.True(t, healthy) // RecoverWithLimit never exhausted, so failures==0
	require.NotEmpty(t, worst)
	assert.Equal(t, "hot-lock", worst[0].Name)
	assert.EqualValues(t, 3, worst[0].Poisoned)
}

func TestGuard_AlwaysRecoverNeverFails(t *testing.T) {
	m := NewMetrics()
	calls := 0
	err := Guard("settings", AlwaysRecover{}, m, false, func() error {
		calls++
		if calls < 3 {
			panic("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
