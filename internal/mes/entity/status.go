package entity

// JobStatus 工单(Job Card)状态
type JobStatus string

const (
	JobStatusNotStarted JobStatus = "NOT_STARTED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusRework     JobStatus = "REWORK"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// jobTransitions is the only place job status moves are defined.
// IN_PROGRESS -> IN_PROGRESS is a stage advance.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusNotStarted: {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusInProgress, JobStatusCompleted, JobStatusRework, JobStatusCancelled},
	JobStatusCompleted:  {JobStatusRework},
	JobStatusRework:     {JobStatusInProgress, JobStatusCancelled},
	JobStatusCancelled:  {},
}

func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, to := range jobTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further mutation (assign, log, cancel) is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCancelled || s == JobStatusCompleted
}

// QCStatus 检验结论
type QCStatus string

const (
	QCStatusPass QCStatus = "PASS"
	QCStatusFail QCStatus = "FAIL"
	QCStatusNA   QCStatus = "NA"
)

func (s QCStatus) Valid() bool {
	switch s {
	case QCStatusPass, QCStatusFail, QCStatusNA:
		return true
	}
	return false
}

// Passing reports whether the gate may advance on this outcome.
func (s QCStatus) Passing() bool {
	return s == QCStatusPass || s == QCStatusNA
}

// Severity 缺陷等级
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// ReworkStatus 返工单状态
type ReworkStatus string

const (
	ReworkStatusOpen       ReworkStatus = "OPEN"
	ReworkStatusInProgress ReworkStatus = "IN_PROGRESS"
	ReworkStatusCompleted  ReworkStatus = "COMPLETED"
	ReworkStatusCancelled  ReworkStatus = "CANCELLED"
)

var reworkTransitions = map[ReworkStatus][]ReworkStatus{
	ReworkStatusOpen:       {ReworkStatusInProgress, ReworkStatusCancelled},
	ReworkStatusInProgress: {ReworkStatusCompleted, ReworkStatusCancelled},
	ReworkStatusCompleted:  {},
	ReworkStatusCancelled:  {},
}

func (s ReworkStatus) Valid() bool {
	_, ok := reworkTransitions[s]
	return ok
}

func (s ReworkStatus) CanTransitionTo(next ReworkStatus) bool {
	for _, to := range reworkTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Active reports whether the rework still blocks its source job.
func (s ReworkStatus) Active() bool {
	return s == ReworkStatusOpen || s == ReworkStatusInProgress
}

// ActiveReworkStatuses lists the statuses counted as unresolved rework.
var ActiveReworkStatuses = []ReworkStatus{ReworkStatusOpen, ReworkStatusInProgress}

// ReturnStatus 退货单状态
type ReturnStatus string

const (
	ReturnStatusPending   ReturnStatus = "PENDING"
	ReturnStatusInspected ReturnStatus = "INSPECTED"
	ReturnStatusAccepted  ReturnStatus = "ACCEPTED"
	ReturnStatusRejected  ReturnStatus = "REJECTED"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	ReturnStatusPending:   {ReturnStatusInspected},
	ReturnStatusInspected: {ReturnStatusAccepted, ReturnStatusRejected},
	ReturnStatusAccepted:  {},
	ReturnStatusRejected:  {},
}

func (s ReturnStatus) Valid() bool {
	_, ok := returnTransitions[s]
	return ok
}

func (s ReturnStatus) CanTransitionTo(next ReturnStatus) bool {
	for _, to := range returnTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ReturnOutcome 退货检验处置结果
type ReturnOutcome string

const (
	ReturnOutcomeRework       ReturnOutcome = "REWORK"
	ReturnOutcomeScrap        ReturnOutcome = "SCRAP"
	ReturnOutcomeAcceptReturn ReturnOutcome = "ACCEPT_RETURN"
)

func (o ReturnOutcome) Valid() bool {
	switch o {
	case ReturnOutcomeRework, ReturnOutcomeScrap, ReturnOutcomeAcceptReturn:
		return true
	}
	return false
}

// TxType 库存交易类型
type TxType string

const (
	TxTypeIn         TxType = "IN"
	TxTypeOut        TxType = "OUT"
	TxTypeAdjustment TxType = "ADJUSTMENT"
	TxTypeTransfer   TxType = "TRANSFER"
)

func (t TxType) Valid() bool {
	switch t {
	case TxTypeIn, TxTypeOut, TxTypeAdjustment, TxTypeTransfer:
		return true
	}
	return false
}
