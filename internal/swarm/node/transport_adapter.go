package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/meshnode/internal/swarm/identity"
	"github.com/swarmguard/meshnode/internal/swarm/kernel"
	"github.com/swarmguard/meshnode/internal/swarm/mesh"
	"github.com/swarmguard/meshnode/internal/swarm/monitor"
	"github.com/swarmguard/meshnode/internal/swarm/transport"
)

// transportAdapter wraps transport.Client to satisfy the narrow interfaces
// mesh.Pinger, monitor.Poller, distributor.Sender, and
// discovery.IdentityFetcher each declare — one client, four capability
// views, per spec.md §9's "narrow capability interfaces" design note.
type transportAdapter struct {
	client *transport.Client
	mesh   *mesh.MeshManager
}

func newTransportAdapter(client *transport.Client, m *mesh.MeshManager) *transportAdapter {
	return &transportAdapter{client: client, mesh: m}
}

// Heartbeat implements mesh.Pinger.
func (t *transportAdapter) Heartbeat(ctx context.Context, peer mesh.PeerEntry) (int64, error) {
	resp, err := t.client.Post(ctx, peer.APIURL, "/api/heartbeat", map[string]any{
		"node_id":   peer.NodeID,
		"timestamp": nowRFC3339(),
	})
	if err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, fmt.Errorf("heartbeat rejected: status %d", resp.Status)
	}
	return resp.LatencyMS, nil
}

// PollStatus implements monitor.Poller. peerNodeID is resolved to an API
// URL via the mesh peer table.
func (t *transportAdapter) PollStatus(ctx context.Context, peerNodeID, taskID string) (monitor.Checkpoint, error) {
	peer, ok := t.mesh.GetPeer(peerNodeID)
	if !ok {
		return monitor.Checkpoint{}, fmt.Errorf("unknown peer: %s", peerNodeID)
	}
	resp, err := t.client.Get(ctx, peer.APIURL, "/api/task/"+taskID+"/status")
	if err != nil {
		return monitor.Checkpoint{}, err
	}
	if !resp.OK {
		return monitor.Checkpoint{}, fmt.Errorf("poll failed: status %d", resp.Status)
	}
	var reply transport.StatusReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return monitor.Checkpoint{}, err
	}
	return monitor.Checkpoint{
		Status:      monitor.CheckpointStatus(reply.Status),
		ProgressPct: reply.ProgressPct,
	}, nil
}

// SendTask implements distributor.Sender.
func (t *transportAdapter) SendTask(ctx context.Context, peer mesh.PeerEntry, taskID, taskText, sessionID string, constraints map[string]any, priority *int) (bool, error) {
	resp, err := t.client.Post(ctx, peer.APIURL, "/api/task", transport.TaskRequest{
		TaskID:      taskID,
		TaskText:    taskText,
		SessionID:   sessionID,
		Constraints: constraints,
		Priority:    priority,
	})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, fmt.Errorf("task rejected: status %d", resp.Status)
	}
	var accept transport.TaskAcceptResponse
	if err := json.Unmarshal(resp.Data, &accept); err != nil {
		return false, err
	}
	return accept.Accepted, nil
}

// CancelTask implements distributor.Sender.
func (t *transportAdapter) CancelTask(ctx context.Context, peer mesh.PeerEntry, taskID, reason string) error {
	_, err := t.client.Post(ctx, peer.APIURL, "/api/task/"+taskID+"/cancel", map[string]string{"reason": reason})
	return err
}

// FetchIdentity implements discovery.IdentityFetcher.
func (t *transportAdapter) FetchIdentity(ctx context.Context, apiURL string) (identity.NodeIdentity, error) {
	resp, err := t.client.Get(ctx, apiURL, "/api/identity")
	if err != nil {
		return identity.NodeIdentity{}, err
	}
	if !resp.OK {
		return identity.NodeIdentity{}, fmt.Errorf("identity fetch failed: status %d", resp.Status)
	}
	var id identity.NodeIdentity
	if err := json.Unmarshal(resp.Data, &id); err != nil {
		return identity.NodeIdentity{}, err
	}
	return id, nil
}

func (t *transportAdapter) sendResult(ctx context.Context, peerAPIURL string, req transport.ResultRequest) error {
	resp, err := t.client.Post(ctx, peerAPIURL, "/api/result", req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("result delivery failed: status %d", resp.Status)
	}
	return nil
}

// TaskResultFrom decodes the kernel TaskResult embedded in a result payload
// — used by tests/fakes that round-trip through JSON.
func TaskResultFrom(raw json.RawMessage) (kernel.TaskResult, error) {
	var r kernel.TaskResult
	err := json.Unmarshal(raw, &r)
	return r, err
}
