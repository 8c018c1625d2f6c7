package grid

import "time"

// DateLayout 是网格中日期的展示格式。
const DateLayout = "2006-01-02"

// DayCell 是网格中的一个格子，对应追踪窗口内的一个日历日。
type DayCell struct {
	Date      string // 日期字符串 YYYY-MM-DD
	Completed bool   // 当天是否已打卡
	IsPast    bool   // 是否严格早于今天
	IsToday   bool   // 是否为今天
}

// Generate 根据习惯的创建日期、周期和已打卡日期集合派生网格。
//
// 结果恰好包含 duration 个格子，从创建日开始逐日排列。
// 纯函数，不做任何修改；IsToday/IsPast 相对 today 计算，
// 调用方传入当前服务器日期，随真实时间推进结果随之变化。
func Generate(start time.Time, duration int, completed map[string]bool, today time.Time) []DayCell {
	startDay := truncateToDay(start)
	todayDay := truncateToDay(today)

	grid := make([]DayCell, 0, duration)
	for i := 0; i < duration; i++ {
		day := startDay.AddDate(0, 0, i)
		grid = append(grid, DayCell{
			Date:      day.Format(DateLayout),
			Completed: completed[day.Format(DateLayout)],
			IsPast:    day.Before(todayDay),
			IsToday:   day.Equal(todayDay),
		})
	}
	return grid
}

// Finished 判断追踪窗口是否已全部结束（最后一天也早于今天）。
func Finished(start time.Time, duration int, today time.Time) bool {
	last := truncateToDay(start).AddDate(0, 0, duration-1)
	return last.Before(truncateToDay(today))
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
