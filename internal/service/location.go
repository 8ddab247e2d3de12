package service

import (
	"math"
	"net/netip"
	"strings"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/model"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

const earthRadiusM = 6371000.0

// locationChecker 地理围栏与教室网络校验
type locationChecker struct {
	exitSoft          bool
	entrySoftOverride bool
}

func newLocationChecker(cfg *config.LocationConfig) *locationChecker {
	return &locationChecker{exitSoft: cfg.ExitSoft, entrySoftOverride: cfg.EntrySoftOverride}
}

// check 返回软约束警告码；硬约束失败时返回错误
func (c *locationChecker) check(sess *model.Session, phase model.Phase, meta *dto.ScanMetadata, clientIP string) (string, error) {
	violation := c.violation(sess, meta, clientIP)
	if violation == nil {
		return "", nil
	}
	if c.soft(sess, phase) {
		return string(violation.Code), nil
	}
	return "", violation
}

func (c *locationChecker) soft(sess *model.Session, phase model.Phase) bool {
	if sess.LocationPolicy != model.LocationBlock {
		return true
	}
	if phase == model.PhaseExit {
		return c.exitSoft
	}
	return c.entrySoftOverride
}

// violation 先查地理围栏，再查网络
func (c *locationChecker) violation(sess *model.Session, meta *dto.ScanMetadata, clientIP string) *pkgerrors.AppError {
	if sess.HasGeofence() {
		if meta == nil || meta.Lat == nil || meta.Lng == nil {
			return pkgerrors.ErrGeofenceViolation.WithMessage("缺少定位信息")
		}
		radius := *sess.GeofenceRadiusM
		slack := 0.0
		if meta.AccuracyM != nil {
			slack = math.Min(*meta.AccuracyM, radius)
		}
		d := haversineM(*sess.GeofenceLat, *sess.GeofenceLng, *meta.Lat, *meta.Lng)
		if d-slack > radius {
			return pkgerrors.ErrGeofenceViolation
		}
	}

	if len(sess.AllowedNetworks) > 0 && !inNetworks(clientIP, sess.AllowedNetworks) {
		return pkgerrors.ErrWifiViolation
	}
	return nil
}

// haversineM 两点间球面距离（米）
func haversineM(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// inNetworks allowed 中的元素可以是 CIDR 或单个 IP
func inNetworks(clientIP string, allowed []string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, n := range allowed {
		if strings.Contains(n, "/") {
			prefix, err := netip.ParsePrefix(n)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if ip, err := netip.ParseAddr(n); err == nil && ip.Unmap() == addr {
			return true
		}
	}
	return false
}
