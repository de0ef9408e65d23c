package proxy

import (
	"github.com/undermoon-go/server-proxy/cluster"
	"github.com/undermoon-go/server-proxy/cmn"
)

func errNotInProgress(cn cluster.ClusterName, r cluster.SlotRange) error {
	return cmn.NewError(cmn.KindNotInProgress, "no migration in progress for %s %s", cn, r)
}

func errNotReady(cn cluster.ClusterName, r cluster.SlotRange) error {
	return cmn.NewError(cmn.KindNotReady, "switch epoch ahead of current epoch for %s %s", cn, r)
}

func errInvalidArg(msg string) error {
	return cmn.NewError(cmn.KindInvalidArg, "%s", msg)
}

func errAlreadyEnded(t *MigrationTask) error {
	return cmn.NewError(cmn.KindAlreadyEnded, "migration for %s %s already in state %s", t.Cluster, t.Range, t.State)
}

func errAlreadyStarted(t *MigrationTask) error {
	return cmn.NewError(cmn.KindAlreadyStarted, "migration for %s %s not yet ready to commit (state %s)", t.Cluster, t.Range, t.State)
}
