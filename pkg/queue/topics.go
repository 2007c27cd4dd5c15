// Package queue 定义任务主题、任务负载与统一的消息封装.
package queue

// 主题命名规范：cv.<域>.<动作>.<状态>，尽量稳定且向后兼容.
const (
	// TopicFileMove 在两个桶之间移动一个文件（拷贝、校验、删除源）.
	TopicFileMove = "cv.file.move.requested"
	// TopicFileCopy 拷贝一个文件并保留源（DSpace 迁移）.
	TopicFileCopy = "cv.file.copy.requested"
	// TopicFileUpload 将本地暂存文件上传到预审桶.
	TopicFileUpload = "cv.file.upload.requested"
	// TopicWorkPreservation 审批批次结算后生成归档.
	TopicWorkPreservation = "cv.work.preservation.requested"
	// TopicTaskFailed 重试耗尽的任务（毒消息）.
	TopicTaskFailed = "cv.task.failed"
)

// TaskTopics worker 订阅的任务主题.
func TaskTopics() []string {
	return []string{TopicFileMove, TopicFileCopy, TopicFileUpload, TopicWorkPreservation}
}
