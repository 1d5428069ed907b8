package ledger

import (
	"time"

	xerrors "ChainPilot/internal/errors"
)

var (
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "智能体不存在")
	// ErrAgentBusy 表示智能体已被领取且租约未过期。
	ErrAgentBusy = xerrors.New(xerrors.CodeAgentBusy, "智能体正在运行")
	// ErrAgentNotDue 表示智能体已停用或尚未到期，通常是另一轮调度刚刚执行过。
	ErrAgentNotDue = xerrors.New(xerrors.CodeConflict, "智能体未到期")
	// ErrClaimLost 表示释放时领取已被他人接管。
	ErrClaimLost = xerrors.New(xerrors.CodeConflict, "领取已失效")
	// ErrPositionNotFound 表示头寸不存在。
	ErrPositionNotFound = xerrors.New(xerrors.CodeNotFound, "头寸不存在")
)

// laterOf 实现 next_run_at 只前移的规则。
func laterOf(current, candidate time.Time) time.Time {
	if current.After(candidate) {
		return current
	}
	return candidate
}
