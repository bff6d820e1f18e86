package coalesce

import (
	"log/slog"

	"github.com/hashicorp/serf/serf"
)

// downNodes extracts the node names a serf.MemberEvent reports as gone:
// left gracefully, failed, or reaped after a leave. Joins and updates never
// signal a node down. The monitor registry consumes this signal through the
// transport's down-set; the fan-out core learns a node is down from a
// failed unicast instead.
func downNodes(event serf.MemberEvent) []string {
	switch event.EventType() {
	case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
		names := make([]string, len(event.Members))
		for i, member := range event.Members {
			names[i] = member.Name
		}
		return names
	default:
		return nil
	}
}

func withLogMember(logger *slog.Logger, member serf.Member) *slog.Logger {
	return logger.With(labelNode.L(member.Name), labelPeerAddr.L(member.Addr.String()))
}

// logMemberEvent logs every member touched by a gossip event, in the
// teacher's one-line-per-peer style.
func logMemberEvent(logger *slog.Logger, event serf.MemberEvent) {
	for _, member := range event.Members {
		switch event.EventType() {
		case serf.EventMemberJoin:
			withLogMember(logger, member).Info("peer joined cluster")
		case serf.EventMemberLeave:
			withLogMember(logger, member).Info("peer left cluster")
		case serf.EventMemberFailed:
			withLogMember(logger, member).Warn("peer failed")
		case serf.EventMemberUpdate:
			withLogMember(logger, member).Info("peer updated")
		case serf.EventMemberReap:
			withLogMember(logger, member).Debug("peer reaped")
		}
	}
}
