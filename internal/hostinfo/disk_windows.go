//go:build windows

package hostinfo

func detectDiskUsage() (uint64, uint64) {
	v := wmic("logicaldisk", "where", "DeviceID='C:'", "get", "Size,FreeSpace")
	return toUint64(v["Size"]), toUint64(v["FreeSpace"])
}
