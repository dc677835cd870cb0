package modes

import "math"

// cprMax is 2^17, the resolution of a CPR-encoded lat/lon field.
const cprMax = 131072.0

// cprModInt is a strictly non-negative modulo, matching dump1090's integer
// wraparound behaviour for the CPR zone-index arithmetic below.
func cprModInt(a, b int) int {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

// nlTable returns the number of longitude zones (NL) for a latitude,
// ported from the lookup table in saviobatista-go1090's cpr.go (itself
// ported from dump1090's cprNLFunction table).
func nlTable(lat float64) int {
	absLat := math.Abs(lat)
	switch {
	case absLat < 10.47047130:
		return 59
	case absLat < 14.82817437:
		return 58
	case absLat < 18.18626357:
		return 57
	case absLat < 21.02939493:
		return 56
	case absLat < 23.54504487:
		return 55
	case absLat < 25.82924707:
		return 54
	case absLat < 27.93898710:
		return 53
	case absLat < 29.91135686:
		return 52
	case absLat < 31.77209708:
		return 51
	case absLat < 33.53993436:
		return 50
	case absLat < 35.22899598:
		return 49
	case absLat < 36.85025108:
		return 48
	case absLat < 38.41241892:
		return 47
	case absLat < 39.92256684:
		return 46
	case absLat < 41.38651832:
		return 45
	case absLat < 42.80914012:
		return 44
	case absLat < 44.19454951:
		return 43
	case absLat < 45.54626723:
		return 42
	case absLat < 46.86733252:
		return 41
	case absLat < 48.16039128:
		return 40
	case absLat < 49.42776439:
		return 39
	case absLat < 50.67150166:
		return 38
	case absLat < 51.89342469:
		return 37
	case absLat < 53.09516153:
		return 36
	case absLat < 54.27817472:
		return 35
	case absLat < 55.44378444:
		return 34
	case absLat < 56.59318756:
		return 33
	case absLat < 57.72747354:
		return 32
	case absLat < 58.84763776:
		return 31
	case absLat < 59.95459277:
		return 30
	case absLat < 61.04917774:
		return 29
	case absLat < 62.13216659:
		return 28
	case absLat < 63.20427479:
		return 27
	case absLat < 64.26616523:
		return 26
	case absLat < 65.31845310:
		return 25
	case absLat < 66.36171008:
		return 24
	case absLat < 67.39646774:
		return 23
	case absLat < 68.42322022:
		return 22
	case absLat < 69.44242631:
		return 21
	case absLat < 70.45451075:
		return 20
	case absLat < 71.45986473:
		return 19
	case absLat < 72.45884545:
		return 18
	case absLat < 73.45177442:
		return 17
	case absLat < 74.43893416:
		return 16
	case absLat < 75.42056257:
		return 15
	case absLat < 76.39684391:
		return 14
	case absLat < 77.36789461:
		return 13
	case absLat < 78.33374083:
		return 12
	case absLat < 79.29428225:
		return 11
	case absLat < 80.24923213:
		return 10
	case absLat < 81.19801349:
		return 9
	case absLat < 82.13956981:
		return 8
	case absLat < 83.07199445:
		return 7
	case absLat < 83.99173563:
		return 6
	case absLat < 84.89166191:
		return 5
	case absLat < 85.75541621:
		return 4
	case absLat < 86.53536998:
		return 3
	case absLat < 87.00000000:
		return 2
	default:
		return 1
	}
}

func cprN(lat float64, oddFlag int) int {
	n := nlTable(lat) - oddFlag
	if n < 1 {
		n = 1
	}
	return n
}

func cprDlon(lat float64, oddFlag int) float64 {
	return 360.0 / float64(cprN(lat, oddFlag))
}

// GlobalPosition resolves an even/odd CPR frame pair into an unambiguous
// lat/lon, per the global decode algorithm in spec.md §3/§4.3. newerIsOdd
// selects which of the two frames supplies the final longitude basis, per
// dump1090 convention (use the more recently received frame). ok is false
// when the pair straddles a latitude zone boundary and must be discarded
// rather than reported (spec.md §4.3 edge case).
func GlobalPosition(evenLat, evenLon, oddLat, oddLon uint32, newerIsOdd bool) (lat, lon float64, ok bool) {
	const dLat0 = 360.0 / 60.0
	const dLat1 = 360.0 / 59.0

	fLat0, fLat1 := float64(evenLat), float64(oddLat)
	fLon0, fLon1 := float64(evenLon), float64(oddLon)

	j := int(math.Floor(((59*fLat0 - 60*fLat1) / cprMax) + 0.5))

	rlat0 := dLat0 * (float64(cprModInt(j, 60)) + fLat0/cprMax)
	rlat1 := dLat1 * (float64(cprModInt(j, 59)) + fLat1/cprMax)

	if rlat0 >= 270 {
		rlat0 -= 360
	}
	if rlat1 >= 270 {
		rlat1 -= 360
	}
	if rlat0 < -90 || rlat0 > 90 || rlat1 < -90 || rlat1 > 90 {
		return 0, 0, false
	}
	if nlTable(rlat0) != nlTable(rlat1) {
		return 0, 0, false
	}

	var rlat, rlon float64
	if newerIsOdd {
		ni := cprN(rlat1, 1)
		m := int(math.Floor((((fLon0 * float64(nlTable(rlat1)-1)) - (fLon1 * float64(nlTable(rlat1)))) / cprMax) + 0.5))
		rlon = cprDlon(rlat1, 1) * (float64(cprModInt(m, ni)) + fLon1/cprMax)
		rlat = rlat1
	} else {
		ni := cprN(rlat0, 0)
		m := int(math.Floor((((fLon0 * float64(nlTable(rlat0)-1)) - (fLon1 * float64(nlTable(rlat0)))) / cprMax) + 0.5))
		rlon = cprDlon(rlat0, 0) * (float64(cprModInt(m, ni)) + fLon0/cprMax)
		rlat = rlat0
	}
	rlon -= math.Floor((rlon+180)/360) * 360

	return rlat, rlon, true
}

// LocalPosition resolves a single CPR frame against a known reference
// position (the receiver's own coordinates, or the aircraft's last good
// fix), per spec.md §4.3's fallback path for aircraft that haven't yet
// produced a matching even/odd pair.
func LocalPosition(refLat, refLon float64, encLat, encLon uint32, format CPRFormat) (lat, lon float64, ok bool) {
	oddFlag := 0
	dLat := 360.0 / 60.0
	if format == CPROdd {
		oddFlag = 1
		dLat = 360.0 / 59.0
	}

	fLat, fLon := float64(encLat), float64(encLon)

	j := int(math.Floor(refLat/dLat + 0.5))
	rlat := dLat * (float64(j) + fLat/cprMax)
	if rlat-refLat > dLat/2 {
		rlat -= dLat
	} else if rlat-refLat < -dLat/2 {
		rlat += dLat
	}
	if rlat < -90 || rlat > 90 {
		return 0, 0, false
	}

	dlon := cprDlon(rlat, oddFlag)
	m := int(math.Floor(refLon/dlon + 0.5))
	rlon := dlon * (float64(m) + fLon/cprMax)
	if rlon-refLon > dlon/2 {
		rlon -= dlon
	} else if rlon-refLon < -dlon/2 {
		rlon += dlon
	}
	rlon -= math.Floor((rlon+180)/360) * 360

	return rlat, rlon, true
}
