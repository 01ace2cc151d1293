package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foundry-data/foundry/pkg/quality"
)

// MemoryCatalog is an in-memory Catalog for tests and single-node dev runs.
// A single mutex serializes every multi-row transition, which trivially gives
// the locking guarantees the SQL backends implement with row locks.
type MemoryCatalog struct {
	mu          sync.Mutex
	workspaces  map[string]*Workspace
	products    map[string]*Product
	dataSources map[string]*DataSource
	rawFiles    map[string]*RawFile
	runs        map[string]*PipelineRun
	stages      map[string][]*StageExecution // run_id → ordered by first upsert
	artifacts   map[string]*Artifact
	chunks      map[string]*ChunkMetadata // chunk metadata id
	ruleSets    map[string][]*quality.RuleSet
	violations  map[string][]*quality.Violation // run_id
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		workspaces:  make(map[string]*Workspace),
		products:    make(map[string]*Product),
		dataSources: make(map[string]*DataSource),
		rawFiles:    make(map[string]*RawFile),
		runs:        make(map[string]*PipelineRun),
		stages:      make(map[string][]*StageExecution),
		artifacts:   make(map[string]*Artifact),
		chunks:      make(map[string]*ChunkMetadata),
		ruleSets:    make(map[string][]*quality.RuleSet),
		violations:  make(map[string][]*quality.Violation),
	}
}

func (m *MemoryCatalog) CreateWorkspace(ctx context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[w.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *w
	m.workspaces[w.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryCatalog) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryCatalog) CreateProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.products {
		if other.WorkspaceID == p.WorkspaceID && strings.EqualFold(other.Name, p.Name) {
			return ErrNameConflict
		}
	}
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryCatalog) ListProducts(ctx context.Context, workspaceID string) ([]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Product
	for _, p := range m.products {
		if p.WorkspaceID == workspaceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryCatalog) UpdateProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.products[p.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *p
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryCatalog) DeleteProduct(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	for _, r := range m.runs {
		if r.ProductID == id && !r.Status.Terminal() {
			return ErrActiveRun
		}
	}
	delete(m.products, id)
	for sid, ds := range m.dataSources {
		if ds.ProductID == id {
			delete(m.dataSources, sid)
		}
	}
	for fid, rf := range m.rawFiles {
		if rf.ProductID == id {
			delete(m.rawFiles, fid)
		}
	}
	for rid, r := range m.runs {
		if r.ProductID == id {
			delete(m.runs, rid)
			delete(m.stages, rid)
			delete(m.violations, rid)
			for aid, a := range m.artifacts {
				if a.RunID == rid {
					delete(m.artifacts, aid)
				}
			}
		}
	}
	for cid, c := range m.chunks {
		if c.ProductID == id {
			delete(m.chunks, cid)
		}
	}
	delete(m.ruleSets, id)
	return nil
}

func (m *MemoryCatalog) CreateDataSource(ctx context.Context, ds *DataSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[ds.ProductID]; !ok {
		return ErrNotFound
	}
	cp := *ds
	m.dataSources[ds.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetDataSource(ctx context.Context, id string) (*DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.dataSources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ds
	return &cp, nil
}

func (m *MemoryCatalog) ListDataSources(ctx context.Context, productID string) ([]*DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DataSource
	for _, ds := range m.dataSources {
		if ds.ProductID == productID {
			cp := *ds
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryCatalog) AllocateIngestVersion(ctx context.Context, productID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return 0, ErrNotFound
	}
	return p.CurrentVersion + 1, nil
}

func (m *MemoryCatalog) RegisterRawFile(ctx context.Context, rf *RawFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.rawFiles {
		if other.ProductID == rf.ProductID && other.Version == rf.Version && other.FileStem == rf.FileStem {
			return ErrDuplicateKey
		}
	}
	cp := *rf
	m.rawFiles[rf.ID] = &cp
	return nil
}

func (m *MemoryCatalog) UpdateRawFile(ctx context.Context, rf *RawFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rawFiles[rf.ID]; !ok {
		return ErrNotFound
	}
	cp := *rf
	m.rawFiles[rf.ID] = &cp
	return nil
}

func (m *MemoryCatalog) FinalizeIngest(ctx context.Context, productID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	if version > p.CurrentVersion {
		p.CurrentVersion = version
	}
	p.UpdatedAt = time.Now().UTC()
	for _, rf := range m.rawFiles {
		if rf.ProductID == productID && rf.Version == version && rf.Status == RawIngesting {
			rf.Status = RawIngested
		}
	}
	return nil
}

func (m *MemoryCatalog) ListRawFiles(ctx context.Context, productID string, version int) ([]*RawFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RawFile
	for _, rf := range m.rawFiles {
		if rf.ProductID == productID && rf.Version == version && rf.Status != RawDeleted {
			cp := *rf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (m *MemoryCatalog) ListRawFileVersions(ctx context.Context, productID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionsLocked(productID), nil
}

func (m *MemoryCatalog) versionsLocked(productID string) []int {
	set := make(map[int]struct{})
	for _, rf := range m.rawFiles {
		if rf.ProductID == productID && rf.Status != RawDeleted {
			set[rf.Version] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (m *MemoryCatalog) ResolvePipelineVersion(ctx context.Context, productID string, explicitVersion int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return 0, ErrNotFound
	}

	latestIngested := 0
	runnable := make(map[int]bool)   // versions with INGESTED or FAILED files
	targetable := make(map[int]bool) // versions with INGESTED, PROCESSED or FAILED files
	for _, rf := range m.rawFiles {
		if rf.ProductID != productID {
			continue
		}
		switch rf.Status {
		case RawIngested:
			runnable[rf.Version] = true
			targetable[rf.Version] = true
			if rf.Version > latestIngested {
				latestIngested = rf.Version
			}
		case RawFailed:
			runnable[rf.Version] = true
			targetable[rf.Version] = true
		case RawProcessed:
			targetable[rf.Version] = true
		}
	}

	if explicitVersion > 0 {
		if targetable[explicitVersion] {
			return explicitVersion, nil
		}
		available := make([]int, 0, len(targetable))
		for v := range targetable {
			available = append(available, v)
		}
		sort.Ints(available)
		return 0, &NoRawFilesForVersionError{
			ProductID:         productID,
			RequestedVersion:  explicitVersion,
			LatestIngested:    latestIngested,
			AvailableVersions: available,
		}
	}

	best := 0
	for v := range runnable {
		if v > best {
			best = v
		}
	}
	if best == 0 {
		return 0, ErrNoRawFiles
	}
	return best, nil
}

func (m *MemoryCatalog) BeginRun(ctx context.Context, run *PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[run.ProductID]; !ok {
		return ErrNotFound
	}
	for _, other := range m.runs {
		if other.ProductID == run.ProductID && other.Version == run.Version && !other.Status.Terminal() {
			return ErrRunAlreadyActive
		}
	}
	cp := *run
	cp.Status = RunQueued
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetRun(ctx context.Context, runID string) (*PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryCatalog) ListRuns(ctx context.Context, productID string) ([]*PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PipelineRun
	for _, r := range m.runs {
		if r.ProductID == productID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].StartedAt != nil {
			ti = *out[i].StartedAt
		}
		if out[j].StartedAt != nil {
			tj = *out[j].StartedAt
		}
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out, nil
}

func (m *MemoryCatalog) TransitionRun(ctx context.Context, runID string, from, to RunStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrStateMismatch
	}
	r.Status = to
	if to == RunRunning && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		r.FinishedAt = &t
	}
	return nil
}

func (m *MemoryCatalog) RequestCancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.CancelRequested = true
	return nil
}

func (m *MemoryCatalog) HasSucceededRun(ctx context.Context, productID string, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ProductID == productID && r.Version == version && r.Status == RunSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryCatalog) UpsertStage(ctx context.Context, runID, stageName string, patch StagePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	var se *StageExecution
	for _, s := range m.stages[runID] {
		if s.StageName == stageName {
			se = s
			break
		}
	}
	if se == nil {
		se = &StageExecution{RunID: runID, StageName: stageName, Status: StagePending}
		m.stages[runID] = append(m.stages[runID], se)
	}
	applyStagePatch(se, patch)
	return nil
}

func applyStagePatch(se *StageExecution, patch StagePatch) {
	if patch.Status != nil {
		se.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		se.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		se.FinishedAt = patch.FinishedAt
	}
	if patch.ErrorMessage != nil {
		se.ErrorMessage = *patch.ErrorMessage
	}
	if len(patch.Metrics) > 0 {
		if se.Metrics == nil {
			se.Metrics = make(map[string]float64, len(patch.Metrics))
		}
		for k, v := range patch.Metrics {
			se.Metrics[k] = v
		}
	}
}

func (m *MemoryCatalog) ListStages(ctx context.Context, runID string) ([]*StageExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.stages[runID]
	out := make([]*StageExecution, len(src))
	for i, s := range src {
		cp := *s
		if s.Metrics != nil {
			cp.Metrics = make(map[string]float64, len(s.Metrics))
			for k, v := range s.Metrics {
				cp.Metrics[k] = v
			}
		}
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryCatalog) InsertArtifact(ctx context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryCatalog) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Artifact
	for _, a := range m.artifacts {
		if a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryCatalog) UpsertChunkMetadata(ctx context.Context, rows []*ChunkMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		// keyed by (product, version, chunk_id); a re-run replaces rows
		replaced := false
		for id, cur := range m.chunks {
			if cur.ProductID == row.ProductID && cur.Version == row.Version && cur.ChunkID == row.ChunkID {
				cp := *row
				cp.ID = id
				m.chunks[id] = &cp
				replaced = true
				break
			}
		}
		if !replaced {
			cp := *row
			m.chunks[row.ID] = &cp
		}
	}
	return nil
}

func (m *MemoryCatalog) QueryChunks(ctx context.Context, q ChunkQuery) ([]*ChunkMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := q.Limit
	if limit <= 0 || limit > MaxChunkPageSize {
		limit = MaxChunkPageSize
	}
	var all []*ChunkMetadata
	for _, c := range m.chunks {
		if c.ProductID != q.ProductID {
			continue
		}
		if q.Version > 0 && c.Version != q.Version {
			continue
		}
		if q.Section != "" && c.Section != q.Section {
			continue
		}
		if q.FieldName != "" && c.FieldName != q.FieldName {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ChunkID < all[j].ChunkID })
	if q.Offset >= len(all) {
		return nil, nil
	}
	all = all[q.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryCatalog) PutRuleSet(ctx context.Context, rs *quality.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[rs.ProductID]; !ok {
		return ErrNotFound
	}
	next := 1
	for _, cur := range m.ruleSets[rs.ProductID] {
		if cur.Version >= next {
			next = cur.Version + 1
		}
	}
	cp := *rs
	cp.Version = next
	cp.Rules = append([]quality.Rule(nil), rs.Rules...)
	m.ruleSets[rs.ProductID] = append(m.ruleSets[rs.ProductID], &cp)
	rs.Version = next
	return nil
}

func (m *MemoryCatalog) GetEffectiveRuleSet(ctx context.Context, productID string) (*quality.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return nil, ErrNotFound
	}
	sets := m.ruleSets[productID]
	if len(sets) == 0 {
		return quality.DefaultRuleSet(productID), nil
	}
	best := sets[0]
	for _, rs := range sets[1:] {
		if rs.Version > best.Version {
			best = rs
		}
	}
	cp := *best
	cp.Rules = append([]quality.Rule(nil), best.Rules...)
	return &cp, nil
}

func (m *MemoryCatalog) InsertViolations(ctx context.Context, vs []*quality.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		cp := *v
		m.violations[v.RunID] = append(m.violations[v.RunID], &cp)
	}
	return nil
}

func (m *MemoryCatalog) ListViolations(ctx context.Context, productID string, version int) ([]*quality.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*quality.Violation
	for runID, vs := range m.violations {
		run, ok := m.runs[runID]
		if !ok || run.ProductID != productID {
			continue
		}
		if version > 0 && run.Version != version {
			continue
		}
		for _, v := range vs {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleName < out[j].RuleName })
	return out, nil
}

func (m *MemoryCatalog) Ping(ctx context.Context) error { return nil }
