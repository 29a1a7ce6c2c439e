package broker

// Status 为订单的统一状态词汇,场所原生字符串不允许越过连接器边界。
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// mapStatus 按场所映射表归一化状态。
// 映射策略:只有明确的撤单/拒单信号才落到终态负值;
// 未识别或临时性状态一律视为 PENDING,绝不推断为失败。
func mapStatus(table map[string]Status, venueStatus string) Status {
	if status, ok := table[venueStatus]; ok {
		return status
	}
	return StatusPending
}
