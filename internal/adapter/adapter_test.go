// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adapter_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/adapter"
	"github.com/durableflow/flow/internal/vm"
)

func TestDispatchUnregisteredTask(t *testing.T) {
	r := adapter.NewRegistry()
	_, err := r.Dispatch(context.Background(), "send_email", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send_email")
}

func TestRegisterAndDispatch(t *testing.T) {
	r := adapter.NewRegistry()
	r.Register("echo", func(_ context.Context, inputs []vm.Value) (vm.Value, error) {
		return inputs[0], nil
	})

	out, err := r.Dispatch(context.Background(), "echo", []vm.Value{"hello"})
	require.NoError(t, err)
	assert.Equal(t, vm.Value("hello"), out)
}

func TestRegisterReplacesPreviousBinding(t *testing.T) {
	r := adapter.NewRegistry()
	r.Register("greet", func(_ context.Context, _ []vm.Value) (vm.Value, error) {
		return "v1", nil
	})
	r.Register("greet", func(_ context.Context, _ []vm.Value) (vm.Value, error) {
		return "v2", nil
	})

	out, err := r.Dispatch(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, vm.Value("v2"), out)
}

func TestNamesReflectsRegisteredTasks(t *testing.T) {
	r := adapter.NewRegistry()
	assert.Empty(t, r.Names())

	r.Register("a", func(_ context.Context, _ []vm.Value) (vm.Value, error) { return nil, nil })
	r.Register("b", func(_ context.Context, _ []vm.Value) (vm.Value, error) { return nil, nil })

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := adapter.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("task", func(_ context.Context, _ []vm.Value) (vm.Value, error) { return n, nil })
			_, _ = r.Dispatch(context.Background(), "task", nil)
			_ = r.Names()
		}(i)
	}
	wg.Wait()
}
