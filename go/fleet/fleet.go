// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fleet talks to the external fleet controller that owns the
// ephemeral compute instances. The controller's view of instance state is
// authoritative; the gateway only mirrors it (see the pool package).
package fleet

import "context"

// State is an instance lifecycle state as reported by the fleet controller.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateStarted    State = "started"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateSuspending State = "suspending"
	StateSuspended  State = "suspended"
	StateReplacing  State = "replacing"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
)

// Instance is the controller's record for one ephemeral compute instance.
type Instance struct {
	// ID is the controller-assigned instance identifier.
	ID string `json:"id"`

	// PrivateAddr is the address the workload listens on inside the
	// private network.
	PrivateAddr string `json:"private_ip"`

	// State is the lifecycle state at the time of the API response.
	State State `json:"state"`
}

// Guest is the resource shape requested for a new instance.
type Guest struct {
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
	CPUKind  string `json:"cpu_kind,omitempty"`
}

// CreateRequest describes a new instance. Env carries the tenant id so the
// instance knows what to serve without a second round trip.
type CreateRequest struct {
	Image string            `json:"image"`
	Guest Guest             `json:"guest"`
	Env   map[string]string `json:"env,omitempty"`
}

// Client is the fleet controller surface the gateway depends on.
type Client interface {
	// ListInstances returns every instance in the app's fleet.
	ListInstances(ctx context.Context) ([]Instance, error)

	// StartInstance transitions a stopped or suspended instance toward
	// started. The call returns once the controller accepts the request;
	// reaching the state is observed via GetInstance.
	StartInstance(ctx context.Context, id string) error

	// GetInstance fetches a single instance's current record.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// CreateInstance provisions a new instance.
	CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error)
}
