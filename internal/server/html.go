package server

// defaultHTML is the inline dashboard served when no static page is
// deployed next to the binary. It polls /get_state and refreshes the
// preview image at a low rate.
const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>protorec</title>
    <style>
        body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; background: #111; color: #eee; }
        button { font-size: 1.2rem; padding: 0.6rem 1.6rem; margin-right: 1rem; cursor: pointer; }
        #preview { width: 100%; margin-top: 1rem; background: #000; }
        #state { margin: 1rem 0; }
        .recording { color: #f55; font-weight: bold; }
        .fault { color: #fa0; }
    </style>
</head>
<body>
    <h1>protorec</h1>
    <div>
        <button id="start">Start recording</button>
        <button id="stop">Stop recording</button>
    </div>
    <div id="state">loading…</div>
    <img id="preview" src="/frame" alt="preview">
    <script>
        async function poll() {
            try {
                const r = await fetch('/get_state');
                const s = await r.json();
                let text = 'State: ' + s.state;
                if (s.is_recording && s.recording_duration !== null) {
                    text += ' | ' + s.recording_duration.toFixed(1) + 's';
                }
                if (s.disk_usage) {
                    text += ' | disk free ' + s.disk_usage.free.toFixed(2) + ' GB';
                }
                if (s.last_fault) {
                    text += ' | last fault: ' + s.last_fault;
                }
                const el = document.getElementById('state');
                el.textContent = text;
                el.className = s.is_recording ? 'recording' : (s.last_fault ? 'fault' : '');
            } catch (e) {
                document.getElementById('state').textContent = 'server unreachable';
            }
        }
        async function post(path) {
            await fetch(path, {method: 'POST'});
            poll();
        }
        document.getElementById('start').onclick = () => post('/start_recording');
        document.getElementById('stop').onclick = () => post('/stop_recording');
        setInterval(poll, 1000);
        setInterval(() => {
            document.getElementById('preview').src = '/frame?t=' + Date.now();
        }, 1000);
        poll();
    </script>
</body>
</html>`
