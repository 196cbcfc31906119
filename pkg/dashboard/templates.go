package dashboard

// HTML templates for the dashboard pages.
// These are embedded as strings and parsed at runtime.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    {{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
    <title>Multiclient Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>
        .mono { font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; }
    </style>
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <nav class="bg-gray-800 border-b border-gray-700">
        <div class="container mx-auto px-4 h-16 flex items-center justify-between">
            <span class="text-xl font-bold">Multiclient</span>
            <a href="/api/status" class="text-gray-400 hover:text-white text-sm">JSON</a>
        </div>
    </nav>
    <main class="container mx-auto px-4 py-8">
        {{.Content}}
    </main>
</body>
</html>`

const homeTemplate = `
<div class="grid grid-cols-1 md:grid-cols-4 gap-4 mb-8">
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-gray-400 text-sm">Workers alive</div>
        <div class="text-2xl font-bold" id="alive">{{.Alive}} / {{.Total}}</div>
    </div>
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-gray-400 text-sm">Archival</div>
        <div class="text-2xl font-bold" id="archival">{{.Archival}}</div>
    </div>
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-gray-400 text-sm">Consensus block</div>
        <div class="text-2xl font-bold mono" id="consensus">{{if .HasConsensus}}{{.ConsensusBlock}}{{else}}-{{end}}</div>
    </div>
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-gray-400 text-sm">Uptime</div>
        <div class="text-2xl font-bold">{{.Uptime}}</div>
    </div>
</div>

<div class="bg-gray-800 rounded-lg overflow-hidden">
    <table class="w-full text-sm">
        <thead class="bg-gray-700 text-gray-300">
            <tr>
                <th class="px-4 py-2 text-left">#</th>
                <th class="px-4 py-2 text-left">State</th>
                <th class="px-4 py-2 text-left">Archival</th>
                <th class="px-4 py-2 text-right">Last seqno</th>
                <th class="px-4 py-2 text-right">Behind</th>
                <th class="px-4 py-2 text-right">Retries</th>
                <th class="px-4 py-2 text-left">Init / sync</th>
            </tr>
        </thead>
        <tbody>
        {{range .Workers}}
            <tr class="border-t border-gray-700 worker-{{.State}}">
                <td class="px-4 py-2 mono">{{.Index}}</td>
                <td class="px-4 py-2">
                    {{if eq .State "alive"}}<span class="text-green-400">alive</span>
                    {{else if eq .State "backoff"}}<span class="text-yellow-400">backoff {{formatDuration .RetryIn}}</span>
                    {{else}}<span class="text-red-400">dead</span>{{end}}
                </td>
                <td class="px-4 py-2">{{if .Archival}}yes{{else}}no{{end}}</td>
                <td class="px-4 py-2 text-right mono">{{formatSeqno .LastSeqno}}</td>
                <td class="px-4 py-2 text-right mono">{{if eq .State "alive"}}{{.Behind}}{{else}}-{{end}}</td>
                <td class="px-4 py-2 text-right">{{.RetryCount}}</td>
                <td class="px-4 py-2">{{if .Inited}}ready{{else}}initializing{{end}}{{if .Synced}} / synced{{end}}</td>
            </tr>
        {{else}}
            <tr><td colspan="7" class="px-4 py-6 text-center text-gray-500">No workers configured</td></tr>
        {{end}}
        </tbody>
    </table>
</div>

{{if .Events}}
<div class="bg-gray-800 rounded-lg p-4 mt-8">
    <div class="text-gray-400 text-sm mb-2">Recent transitions</div>
    <ul class="text-sm mono" id="events">
    {{range .Events}}
        <li>{{.Time.Format "15:04:05"}} worker {{.Index}} {{if .Alive}}<span class="text-green-400">up</span> at {{formatSeqno .Seqno}}{{else}}<span class="text-red-400">down</span>{{end}}</li>
    {{end}}
    </ul>
</div>
{{end}}
`
