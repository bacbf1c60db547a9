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

// Package types holds the shared domain model: Agent, Character,
// World, Room, Entity, Memory, Participant, Relationship, Component,
// Task, Log, LLMCostRecord, and TrainingSample. It exists to break
// import cycles between pkg/runtime, pkg/storage, and pkg/pipeline.
package types

import (
	"time"

	"github.com/google/uuid"
)

// DeterministicNamespace is the fixed UUID namespace used to derive
// stable identifiers for agents and rooms. Two calls with equal
// canonical inputs always yield equal UUIDs.
var DeterministicNamespace = uuid.MustParse("b9c27f2e-6c1b-4e4a-9f2b-9c6f1e6d6a10")

// DeterministicID hashes a canonical string into a UUIDv5 identifier.
// It is a total function: the same input always yields the same UUID.
func DeterministicID(canonical string) uuid.UUID {
	return uuid.NewSHA1(DeterministicNamespace, []byte(canonical))
}

// ChannelType enumerates the room classes addressed by the
// decide-to-respond rule.
type ChannelType string

const (
	ChannelDM        ChannelType = "DM"
	ChannelVoiceDM   ChannelType = "VOICE_DM"
	ChannelGroupDM   ChannelType = "GROUP_DM"
	ChannelGuildText ChannelType = "GUILD_TEXT"
	ChannelGuildVoice ChannelType = "GUILD_VOICE"
	ChannelThread    ChannelType = "THREAD"
	ChannelFeed      ChannelType = "FEED"
	ChannelSelf      ChannelType = "SELF"
	ChannelAPI       ChannelType = "API"
	ChannelWorld     ChannelType = "WORLD"
	ChannelUnknown   ChannelType = "UNKNOWN"
)

// IsPrivate reports whether the channel type is always considered
// addressed-to-me.
func (c ChannelType) IsPrivate() bool {
	switch c {
	case ChannelDM, ChannelVoiceDM, ChannelAPI:
		return true
	default:
		return false
	}
}

// Agent is the root of ownership; deleting one cascades to every
// record keyed by AgentID.
type Agent struct {
	ID        uuid.UUID
	Name      string
	Character Character
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentID derives the deterministic agent ID from its name.
func AgentID(name string) uuid.UUID {
	return DeterministicID("agent:" + name)
}

// Character is immutable within a run; replaced wholesale by the
// character-select operation.
type Character struct {
	Name      string
	Bio       []string
	Lore      []string
	Knowledge []string
	Templates map[string]string
	Settings  map[string]any
}

// World is a namespace for rooms, one or more per agent.
type World struct {
	ID       uuid.UUID
	Name     string
	AgentID  uuid.UUID
	ServerID string
	Metadata map[string]any
}

// Room is a conversation scope with a deterministic ID derived from
// (source, server_id, channel_id) so the same channel yields stable
// history.
type Room struct {
	ID          uuid.UUID
	AgentID     uuid.UUID
	Name        string
	Source      string
	ChannelType ChannelType
	ChannelID   string
	ServerID    string
	WorldID     uuid.UUID
	Metadata    map[string]any
	CreatedAt   time.Time
}

// RoomID derives the deterministic room ID from its channel triple.
func RoomID(source, serverID, channelID string) uuid.UUID {
	return DeterministicID("room:" + source + ":" + serverID + ":" + channelID)
}

// Entity represents a human or the agent itself. The agent-as-entity
// uses AgentID == ID.
type Entity struct {
	ID        uuid.UUID
	AgentID   uuid.UUID
	Name      string
	Username  string
	Email     string
	AvatarURL string
	Metadata  map[string]any
	CreatedAt time.Time
}

// MemoryContent is the structured body of a Memory.
type MemoryContent struct {
	Text        string
	Source      string
	Thought     string
	ChannelType ChannelType
	Metadata    map[string]any
}

// Memory is a persisted content unit stored in a logically named
// partition ("messages", "thoughts", "facts", ...).
type Memory struct {
	ID         uuid.UUID
	EntityID   uuid.UUID
	AgentID    uuid.UUID
	RoomID     uuid.UUID
	Partition  string
	Content    MemoryContent
	Embedding  []float32
	Metadata   map[string]any
	CreatedAt  time.Time
	Unique     bool
	Similarity float64
}

// IsAgentUtterance reports whether the memory was produced by the
// agent itself rather than a user.
func (m Memory) IsAgentUtterance() bool {
	return m.EntityID == m.AgentID
}

// Participant is keyed by the composite (EntityID, RoomID).
type Participant struct {
	EntityID uuid.UUID
	RoomID   uuid.UUID
	JoinedAt time.Time
	Metadata map[string]any
}

// Relationship is unique on the triple (EntityIDA, EntityIDB, Type);
// multiple types between the same pair are allowed.
type Relationship struct {
	EntityIDA uuid.UUID
	EntityIDB uuid.UUID
	Type      string
	AgentID   uuid.UUID
	Metadata  map[string]any
	CreatedAt time.Time
}

// Component is ECS-style data keyed by ID. The stores do not enforce
// uniqueness on (EntityID, WorldID, Type, SourceEntityID).
type Component struct {
	ID             uuid.UUID
	EntityID       uuid.UUID
	WorldID        uuid.UUID
	SourceEntityID uuid.UUID
	Type           string
	Data           map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Task is a unit of background work, e.g. embedding generation.
type Task struct {
	ID          uuid.UUID
	AgentID     uuid.UUID
	TaskType    string
	Data        map[string]any
	Status      TaskStatus
	Priority    int
	ScheduledAt *time.Time
	ExecutedAt  *time.Time
	RetryCount  int
	MaxRetries  int
	Error       string
}

// Log is a diagnostic record tied to an entity and optionally a room.
type Log struct {
	ID        uuid.UUID
	EntityID  uuid.UUID
	RoomID    *uuid.UUID
	Body      string
	LogType   string
	CreatedAt time.Time
}

// LLMCostRecord captures one model invocation's cost and latency.
type LLMCostRecord struct {
	ID             uuid.UUID
	Timestamp      time.Time
	AgentID        uuid.UUID
	ConversationID *uuid.UUID
	Provider       string
	Model          string
	Temperature    float64
	PromptTokens   int
	CompletionTok  int
	TotalTokens    int
	CachedTokens   *int
	InputCostUSD   float64
	OutputCostUSD  float64
	TotalCostUSD   float64
	LatencyMS      int64
	TTFTMs         *int64
	Success        bool
	Error          string
	PromptHash     string
	PromptPreview  string
}

// TrainingSample is a prompt/response/thought/quality tuple captured
// for future model training.
type TrainingSample struct {
	ID            uuid.UUID
	Prompt        string
	Response      string
	Thought       string
	QualityScore  float64
	StateSnapshot map[string]any
	Feedback      string
	CreatedAt     time.Time
}

// SafeInt32 converts an int to int32, clamping at the int32 bounds.
func SafeInt32(n int) int32 {
	const maxInt32 = 2147483647
	const minInt32 = -2147483648
	if n > maxInt32 {
		return maxInt32
	}
	if n < minInt32 {
		return minInt32
	}
	return int32(n)
}
