package bot

import (
	"slices"
	"strings"

	"golang.org/x/text/width"
)

// Menu and help commands.
const (
	CmdMenu          = "!功能"
	CmdMenuPlain     = "功能"
	CmdHelp          = "使用說明"
	CmdHelpEnglish   = "help"
	CmdOtherFeatures = "其他功能"
)

// Member commands.
const (
	CmdPoints       = "點數"
	CmdPointsQuery  = "點數查詢"
	CmdViewPoints   = "查看點數"
	CmdQueryPoints  = "查詢點數"
	CmdHistory      = "歷史"
	CmdTransactions = "交易記錄"
	CmdRecords      = "記錄"
	CmdMember       = "會員"
	CmdMemberInfo   = "會員資訊"
)

// Free-form points inquiry keywords.
const (
	pointsKeyword    = "點數"
	inquiryKeyword   = "查詢"
	inspectKeyword   = "查看"
	maxCommandLength = 64
)

// Image feature commands.
const (
	CmdColorize = "圖片彩色化"
	CmdEdit     = "圖片編輯"
	CmdCancel   = "取消"
)

// MenuCommands are answered by the menu feature.
var MenuCommands = []string{CmdMenu, CmdMenuPlain, CmdHelp, CmdHelpEnglish, CmdOtherFeatures}

// PointsCommands, HistoryCommands and MemberCommands are answered by the
// member feature.
var (
	PointsCommands  = []string{CmdPoints, CmdPointsQuery, CmdViewPoints, CmdQueryPoints}
	HistoryCommands = []string{CmdHistory, CmdTransactions, CmdRecords}
	MemberCommands  = []string{CmdMember, CmdMemberInfo}
)

// NormalizeCommand folds full-width ASCII to half-width, trims surrounding
// whitespace and lowercases ASCII letters, so "！功能 " matches "!功能".
func NormalizeCommand(text string) string {
	s := width.Narrow.String(text)
	return strings.ToLower(strings.TrimSpace(s))
}

// IsPointsInquiry reports whether cmd asks about points in free form,
// e.g. "我想查詢點數" or "查看我的點數".
func IsPointsInquiry(cmd string) bool {
	if len(cmd) > maxCommandLength {
		return false
	}
	return strings.Contains(cmd, pointsKeyword) &&
		(strings.Contains(cmd, inquiryKeyword) || strings.Contains(cmd, inspectKeyword))
}

// IsGlobalCommand reports whether cmd is answered regardless of the user's
// session. cmd must already be normalized.
func IsGlobalCommand(cmd string) bool {
	return slices.Contains(MenuCommands, cmd) ||
		slices.Contains(PointsCommands, cmd) ||
		slices.Contains(HistoryCommands, cmd) ||
		slices.Contains(MemberCommands, cmd) ||
		IsPointsInquiry(cmd)
}
