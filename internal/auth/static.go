package auth

import "context"

// StaticSidecarKeys is a SidecarKeys backed by a fixed map of token → owner,
// built once from config at startup.
type StaticSidecarKeys struct {
	byHash map[string]string
}

// NewStaticSidecarKeys hashes each configured bearer token so lookups never
// hold raw key material in memory longer than construction.
func NewStaticSidecarKeys(tokenToOwner map[string]string) *StaticSidecarKeys {
	byHash := make(map[string]string, len(tokenToOwner))
	for token, owner := range tokenToOwner {
		byHash[HashKey(token)] = owner
	}
	return &StaticSidecarKeys{byHash: byHash}
}

// OwnerForHash implements SidecarKeys.
func (k *StaticSidecarKeys) OwnerForHash(hash string) (string, bool) {
	owner, ok := k.byHash[hash]
	return owner, ok
}

// StaticKeyIndex is a KeyIndex built once from config instead of a
// control-plane refresh loop. It exists so Cloud-mode DeploymentTarget is
// usable in this open-source build, where no control plane is shipped: every
// configured key is attributed to the single configured organization, which
// is the closest single-tenant analogue of a Cloud deployment.
type StaticKeyIndex struct {
	snapshots map[string]KeySnapshot
}

// NewStaticKeyIndex builds a StaticKeyIndex from a token→owner map, attributing
// every key to orgID.
func NewStaticKeyIndex(tokenToOwner map[string]string, orgID string) *StaticKeyIndex {
	snapshots := make(map[string]KeySnapshot, len(tokenToOwner))
	for token, owner := range tokenToOwner {
		hash := HashKey(token)
		snapshots[hash] = KeySnapshot{Hash: hash, OwnerID: owner, OrgID: orgID}
	}
	return &StaticKeyIndex{snapshots: snapshots}
}

// Lookup implements KeyIndex.
func (k *StaticKeyIndex) Lookup(_ context.Context, hash string) (KeySnapshot, bool) {
	snap, ok := k.snapshots[hash]
	return snap, ok
}

// StaticRouterOrgLookup resolves every router id configured in
// config.Routers to a single fixed organization — the Cloud-mode analogue of
// StaticKeyIndex, for the same single-tenant reason.
type StaticRouterOrgLookup struct {
	orgID     string
	routerIDs map[string]struct{}
}

// NewStaticRouterOrgLookup builds a lookup that recognizes exactly the given
// router ids, all owned by orgID.
func NewStaticRouterOrgLookup(routerIDs []string, orgID string) *StaticRouterOrgLookup {
	ids := make(map[string]struct{}, len(routerIDs))
	for _, id := range routerIDs {
		ids[id] = struct{}{}
	}
	return &StaticRouterOrgLookup{orgID: orgID, routerIDs: ids}
}

// OrganizationForRouter implements RouterOrgLookup.
func (l *StaticRouterOrgLookup) OrganizationForRouter(_ context.Context, routerID string) (string, bool) {
	if _, ok := l.routerIDs[routerID]; !ok {
		return "", false
	}
	return l.orgID, true
}
