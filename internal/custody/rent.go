package custody

import (
	fpmath "PDALedger/internal/math"
)

// AccountStorageOverhead is charged on top of the record size, per account.
const AccountStorageOverhead = 128

// RentSchedule prices the storage a record occupies.
type RentSchedule struct {
	LamportsPerByteYear uint64
	ExemptionYears      uint64
}

func DefaultRentSchedule() RentSchedule {
	return RentSchedule{
		LamportsPerByteYear: 3480,
		ExemptionYears:      2,
	}
}

// MinimumBalance is the reserve that keeps a record of dataLen bytes rent-exempt.
func (r RentSchedule) MinimumBalance(dataLen uint64) (uint64, error) {
	size, err := fpmath.AddUint64(AccountStorageOverhead, dataLen)
	if err != nil {
		return 0, err
	}
	perYear, err := fpmath.MulUint64(size, r.LamportsPerByteYear)
	if err != nil {
		return 0, err
	}
	return fpmath.MulUint64(perYear, r.ExemptionYears)
}
