package tools

import (
	"errors"
	"time"
)

// NTP 与 Unix 纪元相差 2208988800 秒 (1900-01-01 ~ 1970-01-01)
const ntpUnixDelta = 2208988800

// NTPToSystemTime 将 64-bit NTP 时间戳转换为 time.Time
// NTP 64 位：高 32 位是秒，低 32 位是小数（2^-32 秒单位）
func NTPToSystemTime(ntp uint64) (time.Time, error) {
	sec := ntp >> 32
	frac := ntp & 0xFFFFFFFF

	// 把 2^-32 秒的小数换算为纳秒
	nsec := (frac * 1_000_000_000) >> 32
	if nsec >= 1_000_000_000 {
		return time.Time{}, errors.New("invalid NTP fractional part")
	}

	unixSec := int64(sec) - ntpUnixDelta
	return time.Unix(unixSec, int64(nsec)).UTC(), nil
}

// SystemTimeToNTP 将 time.Time 转换为 64-bit NTP 时间戳
func SystemTimeToNTP(tm time.Time) (uint64, error) {
	unixSec := tm.Unix()
	if unixSec+ntpUnixDelta < 0 {
		return 0, errors.New("time before NTP epoch")
	}
	sec := uint64(unixSec + ntpUnixDelta)
	frac := (uint64(tm.Nanosecond()) << 32) / 1_000_000_000
	return sec<<32 | frac, nil
}

// UnixToNTPSeconds 把 Unix 秒转成 NTP 秒（高 32 位）
func UnixToNTPSeconds(unixSec uint64) uint64 {
	return unixSec + ntpUnixDelta
}

func DivCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func DivFloor(a, b uint64) uint64 {
	return a / b
}
