// Package deployment is the study deployment aggregate.
//
// A StudyDeployment tracks which devices of a protocol blueprint have been
// registered, which primary devices have confirmed deployment, and which of
// those need to be redeployed because a registration they depend on changed.
// Status and deployment packages are derived on demand and never stored.
//
// The aggregate does no I/O and no locking. Callers load it, call one
// mutating method, drain ConsumeEvents and persist Snapshot, holding a
// per-deployment lock for the duration.
package deployment
