package fcm

var ClassifySDKResult = classifySDKResult
