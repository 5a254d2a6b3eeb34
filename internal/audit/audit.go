// Package audit builds tamper-evident audit records. Every record is sealed
// with the hash of its predecessor, so modifying, deleting or reordering any
// stored record breaks the chain and is detected by Verify.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workbench/simengine/internal/model"
)

// GenesisHash is the PrevHash of the first record in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Actions.
const (
	ActionPortfolioCreate   = "portfolio.create"
	ActionDraftCreate       = "draft.create"
	ActionDraftCreateReject = "draft.create.rejected"
	ActionDraftEdit         = "draft.edit"
	ActionDraftDelete       = "draft.delete"
	ActionDraftEditReject   = "draft.edit.rejected"
	ActionDraftDeleteReject = "draft.delete.rejected"
	ActionRiskCheck         = "risk.check"
	ActionRiskCheckReject   = "risk.check.rejected"
	ActionConfirmAccepted   = "sim.confirm.accepted"
	ActionConfirmRejected   = "sim.confirm.rejected"
	ActionSettleExecuted    = "sim.settle.executed"
	ActionSettleFailed      = "sim.settle.failed"
	ActionRulesetActivate   = "ruleset.activate"
)

// Entity types.
const (
	EntityPortfolio = "portfolio"
	EntityDraft     = "order_draft"
	EntityRiskCheck = "risk_check"
	EntitySimOrder  = "sim_order"
	EntityRuleset   = "ruleset"
)

// ActorSystem is used when no operator is known.
const ActorSystem = "system"

// Entry describes a record before it is sealed.
type Entry struct {
	Actor          string
	Action         string
	EntityType     string
	EntityID       string
	Input          any
	Output         any
	RulesetVersion string
	DataVersion    string
}

// New builds an unsealed record from e. Snapshots are marshalled to JSON
// at this point so later mutation of the inputs cannot alter the record.
// CreatedAt is truncated to microseconds, the precision of TIMESTAMPTZ.
func New(e Entry) *model.AuditRecord {
	actor := e.Actor
	if actor == "" {
		actor = ActorSystem
	}
	return &model.AuditRecord{
		ID:             uuid.New().String(),
		Actor:          actor,
		Action:         e.Action,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Input:          Snapshot(e.Input),
		Output:         Snapshot(e.Output),
		RulesetVersion: e.RulesetVersion,
		DataVersion:    e.DataVersion,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Snapshot marshals v to JSON. A nil v yields nil; a value that cannot be
// marshalled is recorded as an error object rather than dropped.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"snapshot_error": err.Error()})
	}
	return data
}

// Seal links rec to its predecessor (prevSeq, prevHash) and computes its
// hash. Use prevSeq 0 and an empty prevHash for the first record.
func Seal(prevSeq int64, prevHash string, rec *model.AuditRecord) {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	rec.Seq = prevSeq + 1
	rec.PrevHash = prevHash
	rec.Hash = Hash(rec)
}

// Hash computes the SHA-256 of the record's content and chain position.
// The Hash field itself is excluded.
func Hash(rec *model.AuditRecord) string {
	h := sha256.New()
	for _, part := range []string{
		strconv.FormatInt(rec.Seq, 10),
		rec.ID,
		rec.Actor,
		rec.Action,
		rec.EntityType,
		rec.EntityID,
		string(rec.Input),
		string(rec.Output),
		rec.RulesetVersion,
		rec.DataVersion,
		rec.PrevHash,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	} {
		// Length prefix keeps field boundaries unambiguous.
		fmt.Fprintf(h, "%d:%s;", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ErrChainBroken is returned by Verify when the chain does not hold.
var ErrChainBroken = errors.New("audit: chain broken")

// Verify checks that records (ordered by Seq, starting at the genesis
// record) form an unbroken chain. It returns the number of verified records
// and an error wrapping ErrChainBroken at the first violation.
func Verify(records []model.AuditRecord) (int, error) {
	return VerifyFrom(0, GenesisHash, records)
}

// VerifyFrom checks a contiguous segment of the chain that follows the
// record (prevSeq, prevHash).
func VerifyFrom(prevSeq int64, prevHash string, records []model.AuditRecord) (int, error) {
	for i := range records {
		rec := &records[i]
		if rec.Seq != prevSeq+1 {
			return i, fmt.Errorf("%w: expected seq %d, got %d", ErrChainBroken, prevSeq+1, rec.Seq)
		}
		if rec.PrevHash != prevHash {
			return i, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, rec.Seq)
		}
		if Hash(rec) != rec.Hash {
			return i, fmt.Errorf("%w: seq %d content does not match its hash", ErrChainBroken, rec.Seq)
		}
		prevSeq, prevHash = rec.Seq, rec.Hash
	}
	return len(records), nil
}
