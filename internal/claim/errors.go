package claim

import "errors"

var (
	// ErrClaimConflict — у задачи уже есть живой claim или гонка CAS проиграна.
	// Не видна пользователю: воркер просто переходит к другой задаче.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrClaimLost — claim истёк или перешёл к другому владельцу.
	ErrClaimLost = errors.New("claim lost")

	// ErrNoClaim — для задачи нет записи claim.
	ErrNoClaim = errors.New("no claim")

	// ErrInvalidLease — длительность lease должна быть положительной.
	ErrInvalidLease = errors.New("invalid lease duration")
)
